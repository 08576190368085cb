// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/jeranaias/bizcopilot/internal/model"
)

// =============================================================================
// HTML EXPORTER
// =============================================================================

// HTMLExporter writes a self-contained HTML page with embedded CSS.
// Message content is rendered from Markdown and sanitized.
type HTMLExporter struct {
	opts   *Options
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

// NewHTMLExporter creates an HTML exporter.
func NewHTMLExporter(opts *Options) *HTMLExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &HTMLExporter{
		opts:   opts,
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		policy: bluemonday.UGCPolicy(),
	}
}

// Export implements Exporter.
func (e *HTMLExporter) Export(t *Transcript) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("transcript is nil")
	}

	lang := t.Language
	if lang == "" {
		lang = "en"
	}
	title := html.EscapeString(t.Title())

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n")
	fmt.Fprintf(&sb, "<html lang=\"%s\">\n", html.EscapeString(lang))
	sb.WriteString("<head>\n")
	sb.WriteString("    <meta charset=\"UTF-8\">\n")
	sb.WriteString("    <meta name=\"viewport\" content=\"width=device-width, initial-scale=1.0\">\n")
	fmt.Fprintf(&sb, "    <title>%s</title>\n", title)
	sb.WriteString("    <meta name=\"generator\" content=\"bizcopilot\">\n")
	fmt.Fprintf(&sb, "    <meta name=\"date\" content=\"%s\">\n", t.Chat.Created().Format(time.RFC3339))
	sb.WriteString(css)
	sb.WriteString("</head>\n")
	fmt.Fprintf(&sb, "<body class=\"%s-theme\">\n", e.theme())
	sb.WriteString("    <div class=\"container\">\n")

	if e.opts.IncludeMetadata {
		sb.WriteString("        <header class=\"header\">\n")
		fmt.Fprintf(&sb, "            <h1>%s</h1>\n", title)
		fmt.Fprintf(&sb, "            <div class=\"metadata\">%s &middot; %d messages</div>\n",
			formatTimestamp(t.Chat.CreatedAt), len(t.Messages))
		sb.WriteString("        </header>\n")
	}

	sb.WriteString("        <main class=\"conversation\">\n")
	for _, m := range t.Messages {
		body, err := e.render(m.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to render message %s: %w", m.ID, err)
		}
		fmt.Fprintf(&sb, "            <section class=\"message %s\">\n", roleClass(m.Role))
		fmt.Fprintf(&sb, "                <div class=\"message-header\"><span class=\"role\">%s</span>",
			html.EscapeString(t.roleLabel(m.Role)))
		if e.opts.IncludeTimestamps && m.Timestamp > 0 {
			fmt.Fprintf(&sb, "<span class=\"timestamp\">%s</span>", formatShortTimestamp(m.Timestamp))
		}
		sb.WriteString("</div>\n")
		fmt.Fprintf(&sb, "                <div class=\"message-content\">%s</div>\n", body)
		sb.WriteString("            </section>\n")
	}
	sb.WriteString("        </main>\n")

	sb.WriteString("        <footer class=\"footer\">\n")
	fmt.Fprintf(&sb, "            Exported by bizcopilot on %s\n", t.ExportedAt.Format("2006-01-02 15:04"))
	sb.WriteString("        </footer>\n")
	sb.WriteString("    </div>\n")
	sb.WriteString("</body>\n")
	sb.WriteString("</html>\n")

	return []byte(sb.String()), nil
}

// FileExtension implements Exporter.
func (e *HTMLExporter) FileExtension() string { return ".html" }

// MimeType implements Exporter.
func (e *HTMLExporter) MimeType() string { return "text/html; charset=utf-8" }

// render converts Markdown to sanitized HTML. Raw HTML in the source is
// dropped by goldmark; the policy strips anything else unsafe.
func (e *HTMLExporter) render(content string) (string, error) {
	var buf bytes.Buffer
	if err := e.md.Convert([]byte(content), &buf); err != nil {
		return "", err
	}
	return string(e.policy.SanitizeBytes(buf.Bytes())), nil
}

func (e *HTMLExporter) theme() string {
	if e.opts.Theme == "dark" {
		return "dark"
	}
	return "light"
}

func roleClass(r model.Role) string {
	switch r {
	case model.RoleUser:
		return "user"
	case model.RoleSystem:
		return "system"
	default:
		return "assistant"
	}
}

// =============================================================================
// STYLES
// =============================================================================

const css = `    <style>
        :root {
            --font-sans: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, "Helvetica Neue", Arial, sans-serif;
            --font-mono: "SF Mono", "Monaco", "Inconsolata", "Fira Code", "Source Code Pro", monospace;
        }
        body.dark-theme {
            --bg-primary: #1a1b26;
            --bg-secondary: #24283b;
            --text-primary: #c0caf5;
            --text-muted: #565f89;
            --border-color: #414868;
            --user-bg: #1f2335;
            --assistant-bg: #24283b;
            --code-bg: #1a1b26;
            --accent: #7aa2f7;
        }
        body.light-theme {
            --bg-primary: #ffffff;
            --bg-secondary: #f7f8fa;
            --text-primary: #24292e;
            --text-muted: #6a737d;
            --border-color: #e1e4e8;
            --user-bg: #f6f8fa;
            --assistant-bg: #ffffff;
            --code-bg: #f6f8fa;
            --accent: #0366d6;
        }
        * { box-sizing: border-box; }
        body {
            margin: 0;
            font-family: var(--font-sans);
            line-height: 1.6;
            background: var(--bg-primary);
            color: var(--text-primary);
        }
        .container { max-width: 860px; margin: 0 auto; padding: 2rem 1rem; }
        .header { border-bottom: 1px solid var(--border-color); margin-bottom: 1.5rem; }
        .header h1 { margin: 0 0 0.25rem; font-size: 1.6rem; }
        .metadata, .timestamp, .footer { color: var(--text-muted); font-size: 0.85rem; }
        .message {
            border: 1px solid var(--border-color);
            border-radius: 8px;
            padding: 0.75rem 1rem;
            margin-bottom: 1rem;
        }
        .message.user { background: var(--user-bg); }
        .message.assistant { background: var(--assistant-bg); }
        .message-header { display: flex; justify-content: space-between; margin-bottom: 0.5rem; }
        .role { font-weight: 600; color: var(--accent); }
        pre, code { font-family: var(--font-mono); background: var(--code-bg); }
        pre { padding: 0.75rem; border-radius: 6px; overflow-x: auto; }
        table { border-collapse: collapse; }
        th, td { border: 1px solid var(--border-color); padding: 0.25rem 0.5rem; }
        .footer { border-top: 1px solid var(--border-color); margin-top: 2rem; padding-top: 1rem; }
    </style>
`
