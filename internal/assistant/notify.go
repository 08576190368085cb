// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package assistant

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jeranaias/bizcopilot/internal/logging"
)

// Notification is a local "answer ready" alert.
type Notification struct {
	ChatID string `json:"chatId"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// Notifier delivers notifications to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrNop(logger)}
}

// Notify logs n.
func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.Info("notification",
		zap.String("chat_id", n.ChatID),
		zap.String("title", n.Title),
		zap.String("body", n.Body))
	return nil
}

type notificationText struct {
	title    string
	inChat   string
	untitled string
}

var notificationTexts = map[string]notificationText{
	"en": {
		title:    "Answer ready!",
		inChat:   "New answer in chat \"%s\"",
		untitled: "Your question has been answered",
	},
	"ru": {
		title:    "Ответ готов!",
		inChat:   "Новый ответ в чате \"%s\"",
		untitled: "Ваш вопрос получил ответ",
	},
}

// answerReady builds the notification for a finished answer.
func answerReady(lang, chatID, chatTitle string) Notification {
	t, ok := notificationTexts[strings.ToLower(lang)]
	if !ok {
		t = notificationTexts["en"]
	}
	n := Notification{ChatID: chatID, Title: t.title, Body: t.untitled}
	if chatTitle != "" {
		n.Body = fmt.Sprintf(t.inChat, chatTitle)
	}
	return n
}
