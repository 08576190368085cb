// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"regexp"

	"golang.org/x/text/cases"
)

// ============================================================================
// CLASSIFICATION
// ============================================================================

type rule struct {
	role    Role
	pattern *regexp.Regexp
}

// rules are checked in order. Russian stems match anywhere in a word;
// English keywords are anchored on word boundaries.
var rules = []rule{
	{RoleAccountant, regexp.MustCompile(`налог|учет|учёт|декларац|ип|осно|самозанят|\b(tax|taxes|accounting|bookkeeping|vat|invoice)\b`)},
	{RoleLawyer, regexp.MustCompile(`юрист|договор|закон|оферта|регистрац|\b(lawyer|legal|contract|law|registration)\b`)},
	{RoleHR, regexp.MustCompile(`ваканси|собесед|персонал|\b(hr|hiring|vacancy|interview|staff)\b`)},
	{RoleSales, regexp.MustCompile(`продаж|клиент|возражени|скрипт|\b(sales|sell|customer|client|objection|script)\b`)},
	{RoleMarketing, regexp.MustCompile(`маркетинг|реклама|трафик|контент|\b(marketing|advert\w*|ads|traffic|content)\b`)},
	{RoleDesigner, regexp.MustCompile(`дизайн|баннер|цвет|интерфейс|\b(design\w*|banner|colou?r|interface|logo)\b`)},
}

// Detect returns the role for a message. Matching is case-insensitive;
// the first matching category wins and RoleConsultant is the default.
func Detect(text string) Role {
	// Casers are stateful and must not be shared between goroutines.
	folded := cases.Fold().String(text)
	for _, r := range rules {
		if r.pattern.MatchString(folded) {
			return r.role
		}
	}
	return RoleConsultant
}
