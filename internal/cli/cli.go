// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdChat
	CmdAsk
	CmdChats
	CmdStore
	CmdServe
	CmdConfig
	CmdSettings
	CmdVersion
)

var commandNames = map[string]Command{
	"help":     CmdHelp,
	"chat":     CmdChat,
	"ask":      CmdAsk,
	"chats":    CmdChats,
	"store":    CmdStore,
	"serve":    CmdServe,
	"config":   CmdConfig,
	"settings": CmdSettings,
	"version":  CmdVersion,
}

// String returns the command's name.
func (c Command) String() string {
	for name, cmd := range commandNames {
		if cmd == c {
			return name
		}
	}
	return "help"
}

// Args holds parsed CLI arguments.
type Args struct {
	Command Command

	// Global flags
	ConfigPath string
	LogLevel   string
	Lang       string
	JSON       bool
	Quiet      bool

	// Rest holds everything after the command name, global flags removed.
	Rest []string
}

const usageText = `bizcopilot - business assistant for small-business owners

Usage:
  bizcopilot [global flags] <command> [arguments]

Commands:
  chat [--chat ID]                   Interactive chat in the terminal
  ask [--chat ID] [--attach FILES] "question"
                                     Ask one question and print the answer
  chats list                         List chats, newest first
  chats new                          Create a chat and make it current
  chats select <id>                  Make a chat current
  chats show <id>                    Print a chat's messages
  chats rename <id> <title>          Rename a chat
  chats delete <id>                  Delete a chat and its messages
  chats export [id] [--format md|json|html] [--output FILE | --dir DIR]
                                     Export a chat transcript
  store keys                         List stored keys
  store get <key>                    Print a decrypted value
  store set <key> <value>            Store a value encrypted
  store rm <key>                     Remove a value
  store status                       Show encryption status
  store migrate                      Encrypt legacy plaintext values
  serve [--addr HOST:PORT] [--token T]
                                     Run the local HTTP API
  config show                        Print the effective configuration
  config get <key>                   Print one setting (dot notation)
  config set <key> <value>           Change one setting and save
  config path                        Print the config file location
  config init [--force]              Write a default config file
  settings                           Show notification and theme settings
  settings notifications on|off      Turn answer notifications on or off
  settings theme light|dark          Choose the color theme
  version                            Show version information
  help                               Show this help

Global flags:
  --config PATH      Use a specific config file
  --log-level LEVEL  debug, info, warn or error
  --lang LANG        Answer language (en or ru)
  --json             Machine-readable output
  -q, --quiet        Minimal output

Chat commands:
  /new /chats /switch <id> /rename <title> /delete /history
  /personas /attach <path> /help /quit

Environment:
  BIZCOPILOT_HOME      Config directory (default ~/.bizcopilot)
  BIZCOPILOT_ENDPOINT  Chat-completions URL
  BIZCOPILOT_API_KEY   Model API key
  NO_COLOR             Disable colored output
`

// Parse splits argv into the command and its arguments. Global flags are
// accepted anywhere on the line.
func Parse(argv []string) (*Args, error) {
	args := &Args{Command: CmdHelp}
	seenCommand := false

	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		name, value, hasValue := strings.Cut(arg, "=")

		takeValue := func() (string, error) {
			if hasValue {
				return value, nil
			}
			if i+1 >= len(argv) {
				return "", ErrMissingArgument(name+" value", "bizcopilot "+name+" VALUE")
			}
			i++
			return argv[i], nil
		}

		switch name {
		case "--config", "--log-level", "--lang":
			v, err := takeValue()
			if err != nil {
				return nil, err
			}
			switch name {
			case "--config":
				args.ConfigPath = v
			case "--log-level":
				args.LogLevel = v
			case "--lang":
				args.Lang = v
			}
			continue
		case "--json":
			args.JSON = true
			continue
		case "-q", "--quiet":
			args.Quiet = true
			continue
		case "-h", "--help":
			if !seenCommand {
				args.Command = CmdHelp
				seenCommand = true
				continue
			}
		case "-v", "--version":
			if !seenCommand {
				args.Command = CmdVersion
				seenCommand = true
				continue
			}
		}

		if !seenCommand {
			cmd, ok := commandNames[arg]
			if !ok {
				return nil, &UsageError{Reason: fmt.Sprintf("unknown command '%s' (see 'bizcopilot help')", arg)}
			}
			args.Command = cmd
			seenCommand = true
			continue
		}
		args.Rest = append(args.Rest, arg)
	}
	return args, nil
}

// Run parses argv, executes the command and returns the exit code.
func Run(ctx context.Context, argv []string, stdout, stderr io.Writer) int {
	args, err := Parse(argv)
	if err != nil {
		DisplayError(stderr, "", err, false)
		return GetExitCode(err)
	}

	switch args.Command {
	case CmdHelp:
		fmt.Fprint(stdout, usageText)
		return ExitSuccess
	case CmdVersion:
		return runVersion(args, stdout)
	}

	app, err := newApp(args, stdout, stderr)
	if err != nil {
		DisplayError(stderr, args.Command.String(), err, args.JSON)
		return GetExitCode(err)
	}
	defer app.Close()

	err = app.dispatch(ctx, args)
	if err != nil {
		errOut := stderr
		if args.JSON {
			errOut = stdout
		}
		DisplayError(errOut, args.Command.String(), err, args.JSON)
	}
	return GetExitCode(err)
}

func (a *App) dispatch(ctx context.Context, args *Args) error {
	switch args.Command {
	case CmdChat:
		return a.runChat(ctx, NewArgParser(args.Rest))
	case CmdAsk:
		return a.runAsk(ctx, NewArgParser(args.Rest, "new"))
	case CmdChats:
		return a.runChats(ctx, NewArgParser(args.Rest))
	case CmdStore:
		return a.runStore(ctx, NewArgParser(args.Rest))
	case CmdServe:
		return a.runServe(ctx, NewArgParser(args.Rest))
	case CmdConfig:
		return a.runConfig(NewArgParser(args.Rest, "force"))
	case CmdSettings:
		return a.runSettings(ctx, NewArgParser(args.Rest))
	}
	return fmt.Errorf("unhandled command %s", args.Command)
}

// VersionInfo is the payload of the version command.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func runVersion(args *Args, w io.Writer) int {
	info := VersionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if args.JSON {
		if err := writeJSON(w, NewJSONResponse("version", info)); err != nil {
			return ExitGeneralError
		}
		return ExitSuccess
	}
	if args.Quiet {
		fmt.Fprintln(w, info.Version)
		return ExitSuccess
	}
	fmt.Fprintf(w, "bizcopilot %s\n", info.Version)
	fmt.Fprintf(w, "  Commit:  %s\n", info.GitCommit)
	fmt.Fprintf(w, "  Built:   %s\n", info.BuildDate)
	fmt.Fprintf(w, "  Go:      %s\n", info.GoVersion)
	fmt.Fprintf(w, "  OS/Arch: %s\n", info.Platform)
	return ExitSuccess
}
