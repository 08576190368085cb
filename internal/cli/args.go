// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strconv"
	"strings"
)

// =============================================================================
// ARG PARSER
// =============================================================================

// ArgParser splits command arguments into a subcommand, flags and
// positional values. Accepted forms:
//
//	--flag value     long flag with a value
//	--flag=value     long flag with equals sign
//	-f value         short flag with a value
//	--flag           boolean flag
//	--               everything after is positional
//
// A flag followed by a non-flag token takes it as its value unless the
// flag is declared boolean.
//
//	p := NewArgParser([]string{"rename", "42", "--title", "Q3 plan"})
//	p.Subcommand()   // "rename"
//	p.Positional(1)  // "42"
//	p.Flag("title")  // "Q3 plan"
type ArgParser struct {
	subcommand string
	flags      map[string]string
	boolFlags  map[string]bool
	positional []string
	raw        []string
}

// NewArgParser parses raw. Names in boolNames never consume a value.
func NewArgParser(raw []string, boolNames ...string) *ArgParser {
	isBool := make(map[string]bool, len(boolNames))
	for _, n := range boolNames {
		isBool[n] = true
	}

	p := &ArgParser{
		flags:     make(map[string]string),
		boolFlags: make(map[string]bool),
		raw:       raw,
	}

	for i := 0; i < len(raw); i++ {
		arg := raw[i]
		if arg == "--" {
			p.positional = append(p.positional, raw[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			p.positional = append(p.positional, arg)
			continue
		}

		name := strings.TrimLeft(arg, "-")
		if k, v, ok := strings.Cut(name, "="); ok {
			if b, err := strconv.ParseBool(v); err == nil && (isBool[k] || v == "true" || v == "false") {
				p.boolFlags[k] = b
			} else {
				p.flags[k] = v
			}
			continue
		}

		if !isBool[name] && i+1 < len(raw) && !strings.HasPrefix(raw[i+1], "-") {
			p.flags[name] = raw[i+1]
			i++
			continue
		}
		p.boolFlags[name] = true
	}

	if len(p.positional) > 0 {
		p.subcommand = p.positional[0]
	}
	return p
}

// Subcommand returns the first positional argument.
func (p *ArgParser) Subcommand() string { return p.subcommand }

// Flag returns the value of a string flag, or "".
func (p *ArgParser) Flag(name string) string { return p.flags[name] }

// FlagOrDefault returns the flag value, or def when unset.
func (p *ArgParser) FlagOrDefault(name, def string) string {
	if v, ok := p.flags[name]; ok {
		return v
	}
	return def
}

// FlagInt parses a flag as an int.
func (p *ArgParser) FlagInt(name string) (int, error) {
	v, ok := p.flags[name]
	if !ok {
		return 0, fmt.Errorf("flag --%s not provided", name)
	}
	return ParseIntWithValidation(v, name)
}

// FlagIntOrDefault returns the int value of a flag, or def when unset or
// invalid.
func (p *ArgParser) FlagIntOrDefault(name string, def int) int {
	n, err := p.FlagInt(name)
	if err != nil {
		return def
	}
	return n
}

// BoolFlag reports whether a boolean flag is set.
func (p *ArgParser) BoolFlag(name string) bool { return p.boolFlags[name] }

// HasFlag reports whether the flag appeared in either form.
func (p *ArgParser) HasFlag(name string) bool {
	_, s := p.flags[name]
	_, b := p.boolFlags[name]
	return s || b
}

// Positional returns the positional argument at index, or "".
func (p *ArgParser) Positional(index int) string {
	if index < 0 || index >= len(p.positional) {
		return ""
	}
	return p.positional[index]
}

// PositionalFrom returns the positional arguments from index on.
func (p *ArgParser) PositionalFrom(index int) []string {
	if index >= len(p.positional) {
		return nil
	}
	return p.positional[index:]
}

// PositionalCount returns the number of positional arguments.
func (p *ArgParser) PositionalCount() int { return len(p.positional) }

// Raw returns the unparsed arguments.
func (p *ArgParser) Raw() []string { return p.raw }

// JoinFrom joins the positional arguments from index with spaces.
func (p *ArgParser) JoinFrom(index int) string {
	return strings.Join(p.PositionalFrom(index), " ")
}

// ParseIntWithValidation parses s as a non-negative int.
func ParseIntWithValidation(s, field string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, NewUsageError(field, s, "must be a number")
	}
	if n < 0 {
		return 0, NewUsageError(field, s, "must not be negative")
	}
	return n, nil
}
