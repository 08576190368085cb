// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeranaias/bizcopilot/internal/assistant"
	"github.com/jeranaias/bizcopilot/internal/event"
	"github.com/jeranaias/bizcopilot/internal/model"
	"github.com/jeranaias/bizcopilot/internal/router"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// MaxAttachmentSize is the largest file accepted by --attach and /attach.
	MaxAttachmentSize = 10 * 1024 * 1024

	// turnBuffer is the event buffer of one waiting turn.
	turnBuffer = 256
)

// ErrAnswerFailed is returned when the model produced the error answer.
var ErrAnswerFailed = errors.New("the model did not return an answer")

// =============================================================================
// ASK COMMAND
// =============================================================================

// AskResult is the --json payload of the ask command.
type AskResult struct {
	ChatID     string      `json:"chatId"`
	JobID      string      `json:"jobId"`
	Role       router.Role `json:"role"`
	Answer     string      `json:"answer"`
	Error      bool        `json:"error,omitempty"`
	FileErrors []FileError `json:"fileErrors,omitempty"`
}

// FileError reports an attachment that could not be read or inlined.
type FileError struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

func (a *App) runAsk(ctx context.Context, p *ArgParser) error {
	text := p.JoinFrom(0)
	if text == "" && !IsTTY() {
		data, err := io.ReadAll(io.LimitReader(a.in, MaxAttachmentSize))
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		text = strings.TrimSpace(string(data))
	}

	var attachments []model.Attachment
	if list := p.Flag("attach"); list != "" {
		for _, path := range strings.Split(list, ",") {
			att, err := readAttachment(strings.TrimSpace(path))
			if err != nil {
				return err
			}
			attachments = append(attachments, att)
		}
	}
	if text == "" && len(attachments) == 0 {
		return ErrMissingArgument("question", `bizcopilot ask "How do I price my services?"`)
	}

	svc, err := a.openService(ctx)
	if err != nil {
		return err
	}
	defer a.closeService(svc)

	chatID, err := a.resolveChat(ctx, svc, p.Flag("chat"), p.BoolFlag("new"))
	if err != nil {
		return err
	}

	events, stop := listen(ctx, svc, chatID)
	defer stop()

	res, err := svc.Send(ctx, chatID, text, attachments)
	if err != nil {
		return err
	}
	fileErrs := fileErrors(res)

	streaming := !a.json && !ColorsEnabled()
	onChunk := func(string) {}
	if streaming {
		onChunk = func(s string) { fmt.Fprint(a.out, s) }
	}
	ans, streamed, err := awaitAnswer(ctx, events, res.JobID, onChunk)
	if err != nil {
		return err
	}

	if a.json {
		out := AskResult{
			ChatID:     res.ChatID,
			JobID:      res.JobID,
			Role:       res.Role,
			Answer:     ans.Text,
			Error:      ans.Err,
			FileErrors: fileErrs,
		}
		if err := writeJSON(a.out, NewJSONResponse("ask", out)); err != nil {
			return err
		}
		if ans.Err {
			return silentError{ErrAnswerFailed}
		}
		return nil
	}

	for _, fe := range fileErrs {
		fmt.Fprintf(a.errOut, "%s %s: %s\n", WarningStyle.Render("[WARN]"), fe.Name, fe.Error)
	}
	switch {
	case ans.Err:
		fmt.Fprintln(a.out, ErrorStyle.Render(ans.Text))
		return silentError{ErrAnswerFailed}
	case streamed:
		fmt.Fprintln(a.out)
	case a.quiet:
		fmt.Fprintln(a.out, ans.Text)
	default:
		md := NewMarkdownRenderer(svc.Settings().Theme(ctx), renderWidth())
		fmt.Fprint(a.out, md.Render(ans.Text))
	}
	return nil
}

// resolveChat picks the chat a command works on: the explicit id, a new
// chat, or the current one, creating a chat when none exists.
func (a *App) resolveChat(ctx context.Context, svc *assistant.Service, id string, fresh bool) (string, error) {
	repo := svc.Repo()
	if id != "" {
		if err := repo.SelectChat(ctx, id); err != nil {
			return "", err
		}
		return id, nil
	}
	if !fresh {
		if cur, ok := repo.CurrentChatID(ctx); ok {
			return cur, nil
		}
	}
	chat, err := repo.CreateChat(ctx)
	if err != nil {
		return "", err
	}
	return chat.ID, nil
}

// =============================================================================
// TURN HELPERS
// =============================================================================

// listen subscribes to a chat's events before a message is sent so the
// answer cannot be missed.
func listen(ctx context.Context, svc *assistant.Service, chatID string) (<-chan event.Event, context.CancelFunc) {
	subCtx, cancel := context.WithCancel(ctx)
	return svc.Bus().Channel(subCtx, event.Filter{ChatID: chatID}, turnBuffer), cancel
}

// awaitAnswer forwards the chunks of jobID to onChunk and returns its
// answer. streamed reports whether any chunk was forwarded.
func awaitAnswer(ctx context.Context, events <-chan event.Event, jobID string, onChunk func(string)) (ans event.Answer, streamed bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return ans, streamed, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ans, streamed, context.Cause(ctx)
			}
			if ev.Job() != jobID {
				continue
			}
			switch e := ev.(type) {
			case event.Chunk:
				streamed = true
				onChunk(e.Text)
			case event.Answer:
				return e, streamed, nil
			}
		}
	}
}

// readAttachment loads a file as an attachment. The MIME type comes from
// the extension, or from content sniffing when the extension is unknown.
func readAttachment(path string) (model.Attachment, error) {
	if path == "" {
		return model.Attachment{}, ErrMissingArgument("file path", "/attach notes.txt")
	}
	info, err := os.Stat(path)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("cannot attach %s: %w", path, err)
	}
	if info.IsDir() {
		return model.Attachment{}, NewUsageError("attachment", path, "is a directory")
	}
	if info.Size() > MaxAttachmentSize {
		return model.Attachment{}, NewUsageError("attachment", path, fmt.Sprintf("larger than %d MB", MaxAttachmentSize>>20))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("cannot attach %s: %w", path, err)
	}
	mt := mime.TypeByExtension(filepath.Ext(path))
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	return model.Attachment{Name: filepath.Base(path), MimeType: mt, Data: data}, nil
}

func fileErrors(res *assistant.SendResult) []FileError {
	var out []FileError
	for _, fe := range res.FileErrors {
		out = append(out, FileError{Name: fe.Name, Error: fe.Err.Error()})
	}
	return out
}
