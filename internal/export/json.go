// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jeranaias/bizcopilot/internal/model"
)

// =============================================================================
// JSON EXPORTER
// =============================================================================

// JSONExporter writes the full transcript. Options do not filter it.
type JSONExporter struct {
	opts *Options
}

// NewJSONExporter creates a JSON exporter.
func NewJSONExporter(opts *Options) *JSONExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &JSONExporter{opts: opts}
}

// jsonTranscript is the exported document.
type jsonTranscript struct {
	Chat       model.Chat      `json:"chat"`
	Messages   []model.Message `json:"messages"`
	Language   string          `json:"language,omitempty"`
	ExportedAt string          `json:"exportedAt"`
}

// Export implements Exporter.
func (e *JSONExporter) Export(t *Transcript) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("transcript is nil")
	}
	msgs := t.Messages
	if msgs == nil {
		msgs = []model.Message{}
	}
	return json.MarshalIndent(jsonTranscript{
		Chat:       t.Chat,
		Messages:   msgs,
		Language:   t.Language,
		ExportedAt: t.ExportedAt.Format(time.RFC3339),
	}, "", "  ")
}

// FileExtension implements Exporter.
func (e *JSONExporter) FileExtension() string { return ".json" }

// MimeType implements Exporter.
func (e *JSONExporter) MimeType() string { return "application/json" }
