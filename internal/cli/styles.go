// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/glamour/styles"
	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/bizcopilot/internal/assistant"
)

func init() {
	lipgloss.SetColorProfile(GetColorProfile())
}

// =============================================================================
// SHARED STYLES
// =============================================================================

var (
	// TitleStyle is used for command titles and headers
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			MarginBottom(1)

	// LabelStyle is used for left-aligned field labels
	LabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(18)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	// DimStyle is used for hints and secondary information
	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))

	SeparatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// =============================================================================
// CHAT PALETTE
// =============================================================================

// Palette holds the chat colors for one theme.
type Palette struct {
	Prompt    lipgloss.Style
	User      lipgloss.Style
	Assistant lipgloss.Style
	Current   lipgloss.Style
}

// PaletteFor returns the chat palette of a theme.
func PaletteFor(theme assistant.Theme) Palette {
	if theme == assistant.ThemeDark {
		return Palette{
			Prompt:    lipgloss.NewStyle().Foreground(lipgloss.Color("87")).Bold(true),
			User:      lipgloss.NewStyle().Foreground(lipgloss.Color("153")),
			Assistant: lipgloss.NewStyle().Foreground(lipgloss.Color("120")).Bold(true),
			Current:   lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true),
		}
	}
	return Palette{
		Prompt:    lipgloss.NewStyle().Foreground(lipgloss.Color("25")).Bold(true),
		User:      lipgloss.NewStyle().Foreground(lipgloss.Color("24")),
		Assistant: lipgloss.NewStyle().Foreground(lipgloss.Color("28")).Bold(true),
		Current:   lipgloss.NewStyle().Foreground(lipgloss.Color("127")).Bold(true),
	}
}

// =============================================================================
// MARKDOWN
// =============================================================================

// MarkdownRenderer renders answers for the terminal. A nil renderer or a
// non-color terminal returns text unchanged.
type MarkdownRenderer struct {
	r *glamour.TermRenderer
}

// NewMarkdownRenderer builds a glamour renderer for theme and width.
func NewMarkdownRenderer(theme assistant.Theme, width int) *MarkdownRenderer {
	if !ColorsEnabled() {
		return &MarkdownRenderer{}
	}
	style := styles.LightStyle
	if theme == assistant.ThemeDark {
		style = styles.DarkStyle
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return &MarkdownRenderer{}
	}
	return &MarkdownRenderer{r: r}
}

// Render returns the rendered markdown, or text on failure.
func (m *MarkdownRenderer) Render(text string) string {
	if m == nil || m.r == nil {
		return text + "\n"
	}
	out, err := m.r.Render(text)
	if err != nil {
		return text + "\n"
	}
	return out
}

// =============================================================================
// HELPERS
// =============================================================================

// RenderSeparator renders a horizontal rule.
func RenderSeparator(width int) string {
	if width <= 0 {
		width = 60
	}
	return SeparatorStyle.Render(strings.Repeat("─", width))
}

// RenderLabel renders a fixed-width label.
func RenderLabel(label string) string {
	return LabelStyle.Render(label)
}

// RenderStatus renders a bracketed status tag.
func RenderStatus(ok bool, text string) string {
	if ok {
		return SuccessStyle.Render("[" + text + "]")
	}
	return WarningStyle.Render("[" + text + "]")
}
