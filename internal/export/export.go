// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jeranaias/bizcopilot/internal/model"
	"github.com/jeranaias/bizcopilot/internal/util"
)

// =============================================================================
// FORMAT
// =============================================================================

// Format identifies an export format.
type Format string

const (
	FormatMarkdown Format = "md"
	FormatJSON     Format = "json"
	FormatHTML     Format = "html"
)

// ParseFormat accepts the format names and their common aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "md", "markdown":
		return FormatMarkdown, nil
	case "json":
		return FormatJSON, nil
	case "html", "htm":
		return FormatHTML, nil
	}
	return "", fmt.Errorf("unsupported export format: %q (use md, json or html)", s)
}

// =============================================================================
// EXPORTER INTERFACE
// =============================================================================

// Exporter renders a transcript in one format.
type Exporter interface {
	// Export renders the transcript.
	Export(t *Transcript) ([]byte, error)

	// FileExtension returns the extension including the dot.
	FileExtension() string

	// MimeType returns the content type of the rendered document.
	MimeType() string
}

// Options configures the exporters.
type Options struct {
	// IncludeMetadata adds the frontmatter or header block.
	IncludeMetadata bool

	// IncludeTimestamps shows the time of each message.
	IncludeTimestamps bool

	// Theme is "light" or "dark" and only affects HTML.
	Theme string
}

// DefaultOptions returns the options used by the CLI and the server.
func DefaultOptions() *Options {
	return &Options{
		IncludeMetadata:   true,
		IncludeTimestamps: true,
		Theme:             "light",
	}
}

// New returns the exporter for f. A nil opts means DefaultOptions.
func New(f Format, opts *Options) (Exporter, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	switch f {
	case FormatMarkdown:
		return NewMarkdownExporter(opts), nil
	case FormatJSON:
		return NewJSONExporter(opts), nil
	case FormatHTML:
		return NewHTMLExporter(opts), nil
	}
	return nil, fmt.Errorf("unsupported export format: %q", f)
}

// =============================================================================
// TRANSCRIPT
// =============================================================================

// Transcript is the exportable view of one chat.
type Transcript struct {
	Chat       model.Chat
	Messages   []model.Message
	Language   string
	ExportedAt time.Time
}

// NewTranscript builds a transcript, dropping in-flight placeholders and
// empty messages.
func NewTranscript(chat model.Chat, msgs []model.Message, lang string) *Transcript {
	kept := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if model.IsTemporary(m.ID) || m.IsEmpty() {
			continue
		}
		kept = append(kept, m)
	}
	return &Transcript{
		Chat:       chat,
		Messages:   kept,
		Language:   lang,
		ExportedAt: time.Now(),
	}
}

// Title returns the chat title or the default one.
func (t *Transcript) Title() string {
	if strings.TrimSpace(t.Chat.Title) == "" {
		return model.DefaultTitle(t.Language)
	}
	return t.Chat.Title
}

// roleLabel returns the heading of a message in the transcript language.
func (t *Transcript) roleLabel(r model.Role) string {
	if t.Language == "ru" {
		switch r {
		case model.RoleUser:
			return "Вы"
		case model.RoleAssistant:
			return "Ассистент"
		case model.RoleSystem:
			return "Система"
		}
	}
	return r.DisplayName()
}

// =============================================================================
// FILES
// =============================================================================

// Filename returns a safe file name for the transcript.
func Filename(t *Transcript, e Exporter) string {
	name := sanitizeFilename(util.TruncateRunes(t.Title(), 50))
	if name == "" {
		name = "chat"
	}
	return fmt.Sprintf("%s_%s%s", name, t.ExportedAt.Format("20060102_150405"), e.FileExtension())
}

// WriteFile renders t with e into dir and returns the path written.
func WriteFile(t *Transcript, e Exporter, dir string) (string, error) {
	data, err := e.Export(t)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(dir, Filename(t, e))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return path, nil
}

var unsafeChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// sanitizeFilename removes characters that are invalid in file names on
// common platforms.
func sanitizeFilename(name string) string {
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Join(strings.Fields(name), "_")
	name = strings.Trim(name, "._")
	return name
}

func formatTimestamp(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func formatShortTimestamp(ms int64) string {
	return time.UnixMilli(ms).Format("15:04")
}
