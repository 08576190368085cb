// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jeranaias/bizcopilot/internal/assistant"
	"github.com/jeranaias/bizcopilot/internal/export"
	"github.com/jeranaias/bizcopilot/internal/model"
	"github.com/jeranaias/bizcopilot/internal/storage"
	"github.com/jeranaias/bizcopilot/internal/util"
)

// ChatListing is the --json payload of "chats list".
type ChatListing struct {
	Chats         []model.Chat `json:"chats"`
	CurrentChatID string       `json:"currentChatId,omitempty"`
}

// ExportResult is the --json payload of "chats export".
type ExportResult struct {
	ChatID  string `json:"chatId"`
	Format  string `json:"format"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatHistory is the --json payload of "chats show".
type ChatHistory struct {
	Chat     model.Chat      `json:"chat"`
	Messages []model.Message `json:"messages"`
	Loading  bool            `json:"loading"`
}

func (a *App) runChats(ctx context.Context, p *ArgParser) error {
	sub := p.Subcommand()
	if sub == "" {
		sub = "list"
	}

	svc, err := a.openService(ctx)
	if err != nil {
		return err
	}
	defer a.closeService(svc)
	repo := svc.Repo()

	switch sub {
	case "list", "ls":
		chats := repo.ListChats(ctx)
		current, _ := repo.CurrentChatID(ctx)
		return a.emit("chats list", ChatListing{Chats: chats, CurrentChatID: current}, func() {
			if len(chats) == 0 {
				a.printf("No chats yet. Start one with 'bizcopilot chat'.\n")
				return
			}
			a.printChatTable(chats, current)
		})

	case "new", "create":
		chat, err := repo.CreateChat(ctx)
		if err != nil {
			return err
		}
		return a.emit("chats new", chat, func() {
			a.printf("%s %s\n", SuccessStyle.Render("Created chat"), chat.ID)
		})

	case "select", "use":
		id := p.Positional(1)
		if id == "" {
			return ErrMissingArgument("chat id", "bizcopilot chats select 1718000000000")
		}
		if err := repo.SelectChat(ctx, id); err != nil {
			return err
		}
		return a.emit("chats select", map[string]string{"currentChatId": id}, func() {
			a.printf("%s %s\n", SuccessStyle.Render("Current chat"), id)
		})

	case "show", "history":
		id := p.Positional(1)
		if id == "" {
			cur, ok := repo.CurrentChatID(ctx)
			if !ok {
				return ErrMissingArgument("chat id", "bizcopilot chats show 1718000000000")
			}
			id = cur
		}
		return a.showChat(ctx, svc, id)

	case "export":
		id := p.Positional(1)
		if id == "" {
			cur, ok := repo.CurrentChatID(ctx)
			if !ok {
				return ErrMissingArgument("chat id", "bizcopilot chats export 1718000000000 --format html")
			}
			id = cur
		}
		return a.exportChat(ctx, svc, id, p)

	case "rename":
		id := p.Positional(1)
		title := strings.TrimSpace(p.JoinFrom(2))
		if id == "" || title == "" {
			return ErrMissingArgument("chat id and title", `bizcopilot chats rename 1718000000000 "Q3 pricing"`)
		}
		if err := repo.UpdateChatTitle(ctx, id, util.TruncateRunes(title, 200)); err != nil {
			return err
		}
		chat, _ := repo.GetChat(ctx, id)
		return a.emit("chats rename", chat, func() {
			a.printf("%s %s\n", SuccessStyle.Render("Renamed"), chat.Title)
		})

	case "delete", "rm":
		id := p.Positional(1)
		if id == "" {
			return ErrMissingArgument("chat id", "bizcopilot chats delete 1718000000000")
		}
		if err := repo.DeleteChat(ctx, id); err != nil {
			return err
		}
		current, _ := repo.CurrentChatID(ctx)
		return a.emit("chats delete", map[string]string{"deleted": id, "currentChatId": current}, func() {
			a.printf("%s %s\n", SuccessStyle.Render("Deleted chat"), id)
		})
	}
	return ErrUnknownSubcommand("chats", sub)
}

func (a *App) showChat(ctx context.Context, svc *assistant.Service, id string) error {
	chat, ok := svc.Repo().GetChat(ctx, id)
	if !ok {
		return fmt.Errorf("show chat %s: %w", id, storage.ErrChatNotFound)
	}

	view := svc.OpenView(ctx, id, nil)
	defer view.Close()
	msgs := view.Messages()
	_, loading := svc.Jobs().Pending(id)

	return a.emit("chats show", ChatHistory{Chat: chat, Messages: msgs, Loading: loading}, func() {
		palette := PaletteFor(svc.Settings().Theme(ctx))
		md := NewMarkdownRenderer(svc.Settings().Theme(ctx), renderWidth())
		a.printf("%s\n", TitleStyle.Render(chat.Title))
		for _, m := range msgs {
			if m.Role == model.RoleUser {
				a.printf("%s %s\n", palette.User.Render(m.Role.DisplayName()+":"), m.Content)
				continue
			}
			a.printf("%s\n%s", palette.Assistant.Render(m.Role.DisplayName()+":"), md.Render(m.Content))
		}
		if loading {
			a.printf("%s\n", DimStyle.Render("(an answer is still being written)"))
		}
	})
}

// exportChat renders a chat with the export package. The document goes to
// --output, to a generated file in --dir, or to stdout.
func (a *App) exportChat(ctx context.Context, svc *assistant.Service, id string, p *ArgParser) error {
	format, err := export.ParseFormat(p.Flag("format"))
	if err != nil {
		return NewUsageError("format", p.Flag("format"), "use md, json or html")
	}
	chat, ok := svc.Repo().GetChat(ctx, id)
	if !ok {
		return fmt.Errorf("export chat %s: %w", id, storage.ErrChatNotFound)
	}

	opts := export.DefaultOptions()
	opts.Theme = string(svc.Settings().Theme(ctx))
	exp, err := export.New(format, opts)
	if err != nil {
		return err
	}
	t := export.NewTranscript(chat, svc.Repo().LoadMessages(ctx, id), svc.Language())

	res := ExportResult{ChatID: id, Format: string(format)}
	switch out := p.Flag("output"); {
	case out != "" && out != "-":
		data, err := exp.Export(t)
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", out, err)
		}
		res.Path = out
	case p.Flag("dir") != "":
		path, err := export.WriteFile(t, exp, p.Flag("dir"))
		if err != nil {
			return err
		}
		res.Path = path
	default:
		data, err := exp.Export(t)
		if err != nil {
			return err
		}
		if !a.json {
			_, err := a.out.Write(data)
			return err
		}
		res.Content = string(data)
	}

	return a.emit("chats export", res, func() {
		a.printf("%s %s\n", SuccessStyle.Render("Exported to"), res.Path)
	})
}

func (a *App) printChatTable(chats []model.Chat, current string) {
	width := 0
	for _, c := range chats {
		width = max(width, util.StringWidth(c.ID))
	}
	for _, c := range chats {
		marker := "  "
		if c.ID == current {
			marker = "* "
		}
		id := c.ID + strings.Repeat(" ", width-util.StringWidth(c.ID))
		a.printf("%s%s  %-16s  %s\n", marker, id, formatMillis(c.UpdatedAt), util.TruncateWidth(util.SingleLine(c.Title), 50))
	}
}
