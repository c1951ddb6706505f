package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
)

// command is one parsed console line.
type command struct {
	Name string
	Args []string
	// Text is the free-form payload of send and broadcast.
	Text string
}

var errEmptyLine = errors.New("empty line")

// parseCommand splits a console line. The payload of send and broadcast is
// the rest of the line with its inner spacing kept.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, errEmptyLine
	}

	name, rest, _ := strings.Cut(line, " ")
	cmd := command{Name: strings.ToLower(name)}
	rest = strings.TrimLeft(rest, " \t")

	switch cmd.Name {
	case "send", "s":
		id, text, _ := strings.Cut(rest, " ")
		if id == "" || text == "" {
			return cmd, errors.New("usage: send <conn> <text>")
		}
		cmd.Args = []string{id}
		cmd.Text = text
	case "broadcast", "b":
		if rest == "" {
			return cmd, errors.New("usage: broadcast <text>")
		}
		cmd.Text = rest
	case "kick", "k":
		cmd.Args = strings.Fields(rest)
		if len(cmd.Args) != 1 {
			return cmd, errors.New("usage: kick <conn>")
		}
	case "kickall":
		cmd.Args = strings.Fields(rest)
		if len(cmd.Args) > 1 {
			return cmd, errors.New("usage: kickall [source]")
		}
	case "list", "ls", "shutdown", "help", "?", "quit", "exit":
	default:
		return cmd, fmt.Errorf("unknown command: %s (type 'help')", cmd.Name)
	}
	return cmd, nil
}

// consoleTarget is what the console commands act on.
type consoleTarget interface {
	Conns() []connInfo
	Send(ctx context.Context, prefix string, payload []byte) error
	Kick(ctx context.Context, prefix string) error
	KickAll(ctx context.Context, source string) error
	Broadcast(ctx context.Context, payload []byte) error
	Shutdown(ctx context.Context) error
}

// execute runs cmd and reports whether the console should exit.
func execute(ctx context.Context, t consoleTarget, cmd command, w io.Writer) (bool, error) {
	switch cmd.Name {
	case "help", "?":
		printHelp(w)
	case "list", "ls":
		conns := t.Conns()
		if len(conns) == 0 {
			fmt.Fprintln(w, "no connections")
			break
		}
		for _, c := range conns {
			fmt.Fprintf(w, "  %s  %-8s  %6d bytes  since %s\n",
				c.ID, c.Source, c.Received, c.Since.Format(time.TimeOnly))
		}
	case "send", "s":
		return false, t.Send(ctx, cmd.Args[0], []byte(cmd.Text))
	case "broadcast", "b":
		return false, t.Broadcast(ctx, []byte(cmd.Text))
	case "kick", "k":
		return false, t.Kick(ctx, cmd.Args[0])
	case "kickall":
		source := ""
		if len(cmd.Args) == 1 {
			source = cmd.Args[0]
		}
		return false, t.KickAll(ctx, source)
	case "shutdown", "quit", "exit":
		return true, t.Shutdown(ctx)
	}
	return false, nil
}

func printHelp(w io.Writer) {
	fmt.Fprint(w, `Commands:
  list                     List live connections
  send <conn> <text>       Send text to one connection (id or unique prefix)
  broadcast <text>         Send text to every connection
  kick <conn>              Disconnect one connection
  kickall [source]         Disconnect every connection, or those of one source
  shutdown                 Stop all transports and exit
  help                     Show this help
`)
}

// Console is the interactive operator prompt of seamd serve.
type Console struct {
	rl     *readline.Instance
	target consoleTarget
	close  sync.Once
}

// NewConsole creates a Console acting on target.
func NewConsole(target consoleTarget) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "seam> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("list"),
			readline.PcItem("send"),
			readline.PcItem("broadcast"),
			readline.PcItem("kick"),
			readline.PcItem("kickall"),
			readline.PcItem("shutdown"),
			readline.PcItem("help"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{rl: rl, target: target}, nil
}

// Stdout returns a writer that coordinates with the prompt. serve routes the
// logger's terminal outputs through it so lines do not corrupt the input.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Close releases the terminal and unblocks Run.
func (c *Console) Close() {
	c.close.Do(func() { _ = c.rl.Close() })
}

// Run reads commands until shutdown or EOF. After ctx is done the next
// line ends the loop; Close ends it at once.
func (c *Console) Run(ctx context.Context) {
	defer c.Close()

	out := c.rl.Stdout()
	printHelp(out)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				fmt.Fprintln(out, "Exiting...")
				_ = c.target.Shutdown(context.Background())
			}
			return
		}

		cmd, err := parseCommand(line)
		if errors.Is(err, errEmptyLine) {
			continue
		}
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}

		quit, err := execute(ctx, c.target, cmd, out)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		if quit {
			return
		}
	}
}
