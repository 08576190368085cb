// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"go.uber.org/zap"

	"github.com/jeranaias/bizcopilot/internal/assistant"
	"github.com/jeranaias/bizcopilot/internal/config"
	"github.com/jeranaias/bizcopilot/internal/model"
	"github.com/jeranaias/bizcopilot/internal/router"
	"github.com/jeranaias/bizcopilot/internal/util"
)

// =============================================================================
// INPUT
// =============================================================================

// lineReader reads one line of user input per call.
type lineReader interface {
	Prompt(prompt string) (string, error)
	Close() error
}

// errPromptAborted is returned when the user presses Ctrl+C at the prompt.
var errPromptAborted = errors.New("prompt aborted")

// linerReader provides history and line editing on a terminal.
type linerReader struct {
	line        *liner.State
	historyFile string
}

func newLinerReader() *linerReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}
	r := &linerReader{line: line, historyFile: filepath.Join(configDir, "chat_history")}

	if f, err := os.Open(r.historyFile); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	return r
}

func (r *linerReader) Prompt(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", errPromptAborted
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history with 0600 permissions and restores the terminal.
func (r *linerReader) Close() error {
	if err := config.EnsureConfigDir(); err == nil {
		if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			_, _ = r.line.WriteHistory(f)
			f.Close()
		}
	}
	return r.line.Close()
}

// scanReader reads piped input without prompting.
type scanReader struct {
	sc *bufio.Scanner
}

func newScanReader(in io.Reader) *scanReader {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), MaxAttachmentSize)
	return &scanReader{sc: sc}
}

func (r *scanReader) Prompt(string) (string, error) {
	if r.sc.Scan() {
		return r.sc.Text(), nil
	}
	if err := r.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (r *scanReader) Close() error { return nil }

// =============================================================================
// SESSION
// =============================================================================

// chatSession is the state of one interactive chat.
type chatSession struct {
	app     *App
	svc     *assistant.Service
	view    *assistant.View
	palette Palette
	md      *MarkdownRenderer
	out     io.Writer
	pending []model.Attachment
}

func (a *App) runChat(ctx context.Context, p *ArgParser) error {
	if a.json {
		return NewUsageError("flag", "--json", "not supported by the interactive chat; use 'ask'")
	}

	svc, err := a.openService(ctx)
	if err != nil {
		return err
	}
	defer a.closeService(svc)

	chatID, err := a.resolveChat(ctx, svc, p.Flag("chat"), false)
	if err != nil {
		return err
	}

	var reader lineReader
	if IsTTY() && a.in == os.Stdin {
		reader = newLinerReader()
	} else {
		reader = newScanReader(a.in)
	}
	defer reader.Close()

	theme := svc.Settings().Theme(ctx)
	s := &chatSession{
		app:     a,
		svc:     svc,
		palette: PaletteFor(theme),
		md:      NewMarkdownRenderer(theme, renderWidth()),
		out:     a.out,
	}
	s.open(ctx, chatID)
	defer func() { s.view.Close() }()

	s.banner(ctx)
	return s.loop(ctx, reader)
}

func (s *chatSession) open(ctx context.Context, chatID string) {
	if s.view != nil {
		s.view.Close()
	}
	s.view = s.svc.OpenView(ctx, chatID, nil)
}

func (s *chatSession) chatID() string { return s.view.ChatID() }

func (s *chatSession) title(ctx context.Context) string {
	if chat, ok := s.svc.Repo().GetChat(ctx, s.chatID()); ok {
		return chat.Title
	}
	return s.chatID()
}

func (s *chatSession) banner(ctx context.Context) {
	if s.app.quiet {
		return
	}
	fmt.Fprintln(s.out, TitleStyle.Render("bizcopilot"))
	fmt.Fprintf(s.out, "%s %s\n", RenderLabel("Chat"), s.title(ctx))
	fmt.Fprintf(s.out, "%s %d\n", RenderLabel("Messages"), len(s.view.Messages()))
	fmt.Fprintln(s.out, DimStyle.Render("Type /help for commands, /quit to exit."))
	fmt.Fprintln(s.out)
}

func (s *chatSession) loop(ctx context.Context, reader lineReader) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line, err := reader.Prompt("you> ")
		if errors.Is(err, errPromptAborted) {
			fmt.Fprintln(s.out, DimStyle.Render("(use /quit to exit)"))
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := s.command(ctx, line)
			if err != nil {
				fmt.Fprintf(s.out, "%s %v\n", ErrorStyle.Render("[ERROR]"), err)
			}
			if quit {
				return nil
			}
			continue
		}
		if err := s.send(ctx, line); err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(s.out, DimStyle.Render("\nThe answer will be saved to this chat when it is ready."))
				return nil
			}
			fmt.Fprintf(s.out, "%s %v\n", ErrorStyle.Render("[ERROR]"), err)
		}
	}
}

// send submits one turn and streams its answer.
func (s *chatSession) send(ctx context.Context, text string) error {
	events, stop := listen(ctx, s.svc, s.chatID())
	defer stop()

	res, err := s.svc.Send(ctx, s.chatID(), text, s.pending)
	if err != nil {
		return err
	}
	s.pending = nil
	s.view.Sent(res)

	for _, fe := range fileErrors(res) {
		fmt.Fprintf(s.out, "%s %s: %s\n", WarningStyle.Render("[WARN]"), fe.Name, fe.Error)
	}
	if res.Trimmed {
		fmt.Fprintln(s.out, DimStyle.Render("(older messages were left out of the context)"))
	}

	persona := router.PersonaFor(res.Role, s.svc.Language())
	fmt.Fprintf(s.out, "%s\n", s.palette.Assistant.Render(persona.Title+":"))

	ans, streamed, err := awaitAnswer(ctx, events, res.JobID, func(chunk string) {
		fmt.Fprint(s.out, chunk)
	})
	if err != nil {
		return err
	}
	switch {
	case ans.Err:
		if streamed {
			fmt.Fprintln(s.out)
		}
		fmt.Fprintln(s.out, ErrorStyle.Render(ans.Text))
	case streamed:
		fmt.Fprint(s.out, "\n\n")
	default:
		fmt.Fprint(s.out, s.md.Render(ans.Text))
	}
	if res.Titled && !s.app.quiet {
		fmt.Fprintln(s.out, DimStyle.Render("Chat titled: "+s.title(ctx)))
	}
	return nil
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

const chatHelp = `Commands:
  /new               Start a new chat
  /chats             List chats
  /switch <id>       Switch to another chat
  /rename <title>    Rename this chat
  /delete            Delete this chat
  /history           Show this chat's messages
  /personas          Show the advisor roles
  /attach <path>     Attach a file to the next message
  /help              Show this help
  /quit              Exit`

func (s *chatSession) command(ctx context.Context, line string) (quit bool, err error) {
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	repo := s.svc.Repo()

	switch strings.ToLower(name) {
	case "/quit", "/q", "/exit":
		return true, nil

	case "/help", "/h":
		fmt.Fprintln(s.out, chatHelp)

	case "/new", "/n":
		chat, err := repo.CreateChat(ctx)
		if err != nil {
			return false, err
		}
		s.open(ctx, chat.ID)
		s.pending = nil
		fmt.Fprintln(s.out, SuccessStyle.Render("New chat "+chat.ID))

	case "/chats", "/ls":
		s.printChats(ctx)

	case "/switch", "/s":
		if rest == "" {
			return false, ErrMissingArgument("chat id", "/switch 1718000000000")
		}
		if err := repo.SelectChat(ctx, rest); err != nil {
			return false, err
		}
		s.open(ctx, rest)
		s.pending = nil
		fmt.Fprintf(s.out, "%s %s\n", SuccessStyle.Render("Switched to"), s.title(ctx))
		if s.view.Loading() {
			fmt.Fprintln(s.out, DimStyle.Render("(an answer is still being written)"))
		}

	case "/rename":
		title := strings.TrimSpace(rest)
		if title == "" {
			return false, ErrMissingArgument("title", "/rename Q3 pricing")
		}
		if err := repo.UpdateChatTitle(ctx, s.chatID(), util.TruncateRunes(title, 200)); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, SuccessStyle.Render("Renamed"))

	case "/delete":
		old := s.chatID()
		if err := repo.DeleteChat(ctx, old); err != nil {
			return false, err
		}
		next, ok := repo.CurrentChatID(ctx)
		if !ok {
			chat, err := repo.CreateChat(ctx)
			if err != nil {
				return false, err
			}
			next = chat.ID
		}
		s.open(ctx, next)
		s.pending = nil
		fmt.Fprintf(s.out, "%s %s, now in %s\n", SuccessStyle.Render("Deleted"), old, s.title(ctx))

	case "/history":
		s.printHistory()

	case "/personas":
		for _, p := range s.svc.Personas() {
			fmt.Fprintf(s.out, "%s %s\n", s.palette.Current.Render(p.Title), DimStyle.Render(p.Description))
		}

	case "/attach":
		att, err := readAttachment(rest)
		if err != nil {
			return false, err
		}
		s.pending = append(s.pending, att)
		fmt.Fprintf(s.out, "%s %s (%d file(s) for the next message)\n",
			SuccessStyle.Render("Attached"), att.Name, len(s.pending))

	default:
		fmt.Fprintf(s.out, "%s unknown command %s (try /help)\n", WarningStyle.Render("[WARN]"), name)
	}
	return false, nil
}

func (s *chatSession) printChats(ctx context.Context) {
	current := s.chatID()
	for _, c := range s.svc.Repo().ListChats(ctx) {
		marker := "  "
		title := util.TruncateWidth(util.SingleLine(c.Title), 40)
		if c.ID == current {
			marker = s.palette.Current.Render("* ")
			title = s.palette.Current.Render(title)
		}
		fmt.Fprintf(s.out, "%s%s  %s  %s\n", marker, c.ID, title, DimStyle.Render(formatMillis(c.UpdatedAt)))
	}
}

func (s *chatSession) printHistory() {
	msgs := s.view.Messages()
	if len(msgs) == 0 {
		fmt.Fprintln(s.out, DimStyle.Render("(no messages yet)"))
		return
	}
	for _, m := range msgs {
		if model.IsTemporary(m.ID) {
			continue
		}
		switch m.Role {
		case model.RoleUser:
			fmt.Fprintf(s.out, "%s %s\n", s.palette.User.Render(m.Role.DisplayName()+":"), m.Content)
		default:
			fmt.Fprintln(s.out, s.palette.Assistant.Render(m.Role.DisplayName()+":"))
			fmt.Fprint(s.out, s.md.Render(m.Content))
		}
	}
	if s.view.Loading() {
		fmt.Fprintln(s.out, DimStyle.Render("(an answer is still being written)"))
	}
	s.app.logger.Debug("history shown", zap.String("chat_id", s.chatID()), zap.Int("messages", len(msgs)))
}
