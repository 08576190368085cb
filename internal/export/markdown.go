// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MarkdownExporter writes a transcript as Markdown with YAML frontmatter.
type MarkdownExporter struct {
	opts *Options
}

// NewMarkdownExporter creates a Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{opts: opts}
}

// frontmatter is marshaled by yaml so titles cannot inject keys.
type frontmatter struct {
	Title    string `yaml:"title"`
	ChatID   string `yaml:"chat_id"`
	Created  string `yaml:"created"`
	Updated  string `yaml:"updated"`
	Messages int    `yaml:"messages"`
	Exported string `yaml:"exported"`
	Language string `yaml:"language,omitempty"`
}

// Export implements Exporter.
func (e *MarkdownExporter) Export(t *Transcript) ([]byte, error) {
	var buf bytes.Buffer

	if e.opts.IncludeMetadata {
		fm, err := yaml.Marshal(frontmatter{
			Title:    t.Title(),
			ChatID:   t.Chat.ID,
			Created:  formatTimestamp(t.Chat.CreatedAt),
			Updated:  formatTimestamp(t.Chat.UpdatedAt),
			Messages: len(t.Messages),
			Exported: t.ExportedAt.Format(time.RFC3339),
			Language: t.Language,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode frontmatter: %w", err)
		}
		buf.WriteString("---\n")
		buf.Write(fm)
		buf.WriteString("---\n\n")
	}

	fmt.Fprintf(&buf, "# %s\n\n", singleLine(t.Title()))

	for i, m := range t.Messages {
		if i > 0 {
			buf.WriteString("\n---\n\n")
		}
		fmt.Fprintf(&buf, "### %s", t.roleLabel(m.Role))
		if e.opts.IncludeTimestamps && m.Timestamp > 0 {
			fmt.Fprintf(&buf, " <sub>%s</sub>", formatShortTimestamp(m.Timestamp))
		}
		buf.WriteString("\n\n")
		buf.WriteString(strings.TrimRight(m.Content, "\n"))
		buf.WriteString("\n")
	}

	return buf.Bytes(), nil
}

// FileExtension implements Exporter.
func (e *MarkdownExporter) FileExtension() string { return ".md" }

// MimeType implements Exporter.
func (e *MarkdownExporter) MimeType() string { return "text/markdown; charset=utf-8" }

// singleLine keeps a heading on one line.
func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
