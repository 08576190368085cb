// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package context

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/jeranaias/bizcopilot/internal/model"
)

// =============================================================================
// LABELS
// =============================================================================

// Labels are the localized markers used when inlining files.
type Labels struct {
	FileStart string // format with the file name
	FileEnd   string
	FileError string // format with the file name
	Truncated string
	FilesLine string // format with the comma-separated names
}

var labels = map[string]Labels{
	"en": {
		FileStart: `--- File contents "%s" ---`,
		FileEnd:   "--- End of file ---",
		FileError: `[Error reading file "%s"]`,
		Truncated: "[Text truncated: the file is too long. A fragment is attached.]",
		FilesLine: "📎 Files: %s",
	},
	"ru": {
		FileStart: `--- Содержимое файла "%s" ---`,
		FileEnd:   "--- Конец файла ---",
		FileError: `[Ошибка чтения файла "%s"]`,
		Truncated: "[Текст обрезан: файл слишком длинный. Прикреплён фрагмент.]",
		FilesLine: "📎 Файлы: %s",
	},
}

// LabelsFor returns the labels for lang, defaulting to English.
func LabelsFor(lang string) Labels {
	if l, ok := labels[strings.ToLower(lang)]; ok {
		return l
	}
	return labels["en"]
}

// =============================================================================
// EXTRACTION
// =============================================================================

// DefaultMaxAttachmentChars caps the text taken from one attachment.
const DefaultMaxAttachmentChars = 10000

var (
	// ErrUnsupportedType is returned for attachments that are not text.
	ErrUnsupportedType = errors.New("unsupported attachment type")

	// ErrEmptyAttachment is returned for attachments without data.
	ErrEmptyAttachment = errors.New("attachment is empty")
)

// Extractor turns an attachment into plain text.
type Extractor interface {
	ExtractText(ctx context.Context, a model.Attachment) (string, error)
}

// TextExtractor handles UTF-8 text attachments and truncates long content
// with a visible marker.
type TextExtractor struct {
	maxChars int
	labels   Labels
}

// NewTextExtractor creates an extractor keeping at most maxChars characters.
func NewTextExtractor(maxChars int, lang string) *TextExtractor {
	if maxChars <= 0 {
		maxChars = DefaultMaxAttachmentChars
	}
	return &TextExtractor{maxChars: maxChars, labels: LabelsFor(lang)}
}

// textExtensions are accepted regardless of the declared MIME type.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".tsv": true, ".json": true,
	".xml": true, ".html": true, ".htm": true, ".yaml": true, ".yml": true,
	".log": true, ".ini": true, ".toml": true,
}

// ExtractText implements Extractor.
func (e *TextExtractor) ExtractText(ctx context.Context, a model.Attachment) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(a.Data) == 0 {
		return "", ErrEmptyAttachment
	}
	if !isTextual(a) || !utf8.Valid(a.Data) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, a.Name)
	}

	content := strings.TrimSpace(string(a.Data))
	if utf8.RuneCountInString(content) > e.maxChars {
		content = string([]rune(content)[:e.maxChars]) + "\n\n" + e.labels.Truncated
	}
	return content, nil
}

func isTextual(a model.Attachment) bool {
	if textExtensions[strings.ToLower(filepath.Ext(a.Name))] {
		return true
	}
	mt := a.MimeType
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	switch {
	case strings.HasPrefix(mt, "text/"):
		return true
	case mt == "application/json", mt == "application/xml", mt == "application/x-yaml":
		return true
	case mt == "":
		return true
	}
	return false
}

// =============================================================================
// EXPANDER
// =============================================================================

// ExpansionResult contains the two renditions of an outgoing message.
type ExpansionResult struct {
	// ModelContent is the text with file contents inlined
	ModelContent string

	// DisplayContent is the text shown and persisted, with a file list line
	DisplayContent string

	// Errors holds per-file extraction failures
	Errors []AttachmentError
}

// AttachmentError records a file that could not be inlined.
type AttachmentError struct {
	Name string
	Err  error
}

// HasErrors returns true if any attachment failed.
func (r *ExpansionResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Expander inlines attachments into a user message.
type Expander struct {
	extractor Extractor
	labels    Labels
}

// NewExpander creates an expander. A nil extractor uses a TextExtractor.
func NewExpander(extractor Extractor, lang string) *Expander {
	if extractor == nil {
		extractor = NewTextExtractor(DefaultMaxAttachmentChars, lang)
	}
	return &Expander{extractor: extractor, labels: LabelsFor(lang)}
}

// Expand builds the model and display text for a message. A failed file is
// replaced by an inline error placeholder and never aborts the rest.
func (e *Expander) Expand(ctx context.Context, text string, attachments []model.Attachment) *ExpansionResult {
	text = strings.TrimSpace(text)
	result := &ExpansionResult{ModelContent: text, DisplayContent: text}
	if len(attachments) == 0 {
		return result
	}

	names := make([]string, 0, len(attachments))
	var sb strings.Builder
	sb.WriteString(text)
	for i, a := range attachments {
		names = append(names, a.Name)
		if i > 0 {
			sb.WriteString("\n")
		}

		content, err := e.extractor.ExtractText(ctx, a)
		if err != nil {
			result.Errors = append(result.Errors, AttachmentError{Name: a.Name, Err: err})
			sb.WriteString("\n\n")
			fmt.Fprintf(&sb, e.labels.FileError, a.Name)
			continue
		}
		sb.WriteString("\n\n")
		fmt.Fprintf(&sb, e.labels.FileStart, a.Name)
		sb.WriteString("\n")
		sb.WriteString(content)
		sb.WriteString("\n")
		sb.WriteString(e.labels.FileEnd)
	}
	result.ModelContent = sb.String()

	files := fmt.Sprintf(e.labels.FilesLine, strings.Join(names, ", "))
	if text == "" {
		result.DisplayContent = files
	} else {
		result.DisplayContent = text + "\n\n" + files
	}
	return result
}
