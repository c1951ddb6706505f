// Command seamd runs seam transports behind one event loop.
//
// Usage:
//
//	seamd <command> [flags]
//
// Commands:
//
//	serve     Run the configured transports
//	config    Write a default configuration file
//	trace     View, filter, summarize or export a protocol trace
//	discover  Browse the network for seam transports
//	version   Print build information
//
// Examples:
//
//	# Echo every payload back on all configured transports
//	seamd serve --mode echo
//
//	# Operate connections from a prompt
//	seamd serve -c configs/seamd.yaml --interactive
//
//	# Show only error records of a trace
//	seamd trace view --category error seamd.trace
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/seamnet/seam/cmd/seamd/tracecmd"
	"github.com/seamnet/seam/pkg/config"
	"github.com/seamnet/seam/pkg/discovery"
	"github.com/seamnet/seam/pkg/framing"
	"github.com/seamnet/seam/pkg/version"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprint(c.App.Writer, version.Long())
	}

	app := cli.NewApp()
	app.Name = version.Name
	app.Usage = "run seam transports behind one event loop"
	app.Version = version.Version
	app.Commands = []*cli.Command{
		serveCommand(),
		configCommand(),
		traceCommand(),
		discoverCommand(),
		{
			Name:  "version",
			Usage: "print build information",
			Action: func(c *cli.Context) error {
				fmt.Fprint(c.App.Writer, version.Long())
				return nil
			},
		},
	}
	return app
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the configured transports",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "configuration file", EnvVars: []string{config.EnvPrefix + "_CONFIG"}},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: ModeLog, Usage: "payload handling: log, echo or framed-echo"},
			&cli.StringFlag{Name: "log-level", Usage: "override log.level"},
			&cli.BoolFlag{Name: "interactive", Aliases: []string{"i"}, Usage: "start the operator console"},
			&cli.UintFlag{Name: "max-frame-size", Value: framing.DefaultMaxMessageSize, Usage: "largest frame accepted in framed-echo mode"},
		},
		Action: func(c *cli.Context) error {
			return runServe(c.Context, serveOptions{
				ConfigPath:   c.String("config"),
				Mode:         c.String("mode"),
				LogLevel:     c.String("log-level"),
				Interactive:  c.Bool("interactive"),
				MaxFrameSize: uint32(c.Uint("max-frame-size")),
			})
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "manage configuration files",
		Subcommands: []*cli.Command{
			{
				Name:      "init",
				Usage:     "write the default configuration",
				ArgsUsage: "[path]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "overwrite an existing file"},
				},
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					if path == "" {
						path = "seamd.yaml"
					}
					if err := writeDefaultConfig(path, c.Bool("force")); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
					return nil
				},
			},
		},
	}
}

func writeDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s exists (use --force to overwrite)", path)
		}
	}
	return config.WriteFile(path, config.Default())
}

func filterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "conn-id", Usage: "only this connection id"},
		&cli.StringFlag{Name: "transport", Usage: "only this transport name"},
		&cli.StringFlag{Name: "kind", Usage: "only this event kind (e.g. Received, Write)"},
		&cli.StringFlag{Name: "direction", Usage: "in or out"},
		&cli.StringFlag{Name: "category", Usage: "state, data or error"},
		&cli.StringFlag{Name: "time-start", Usage: "RFC 3339 lower bound"},
		&cli.StringFlag{Name: "time-end", Usage: "RFC 3339 upper bound (exclusive)"},
	}
}

func filterOptions(c *cli.Context) tracecmd.Options {
	return tracecmd.Options{
		ConnID:    c.String("conn-id"),
		Transport: c.String("transport"),
		Kind:      c.String("kind"),
		Direction: c.String("direction"),
		Category:  c.String("category"),
		TimeStart: c.String("time-start"),
		TimeEnd:   c.String("time-end"),
	}
}

func traceFile(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", errors.New("exactly one trace file is required")
	}
	return c.Args().First(), nil
}

func traceCommand() *cli.Command {
	return &cli.Command{
		Name:  "trace",
		Usage: "inspect protocol traces",
		Subcommands: []*cli.Command{
			{
				Name:      "view",
				Usage:     "print events in human-readable form",
				ArgsUsage: "<file>",
				Flags:     filterFlags(),
				Action: func(c *cli.Context) error {
					path, err := traceFile(c)
					if err != nil {
						return err
					}
					return tracecmd.RunView(path, filterOptions(c), c.App.Writer)
				},
			},
			{
				Name:      "filter",
				Usage:     "copy matching events to a new trace",
				ArgsUsage: "<file>",
				Flags: append(filterFlags(),
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output trace file", Required: true}),
				Action: func(c *cli.Context) error {
					path, err := traceFile(c)
					if err != nil {
						return err
					}
					n, err := tracecmd.RunFilter(path, c.String("output"), filterOptions(c))
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "Filtered %d events to %s\n", n, c.String("output"))
					return nil
				},
			},
			{
				Name:      "stats",
				Usage:     "summarize a trace",
				ArgsUsage: "<file>",
				Action: func(c *cli.Context) error {
					path, err := traceFile(c)
					if err != nil {
						return err
					}
					return tracecmd.RunStats(path, c.App.Writer)
				},
			},
			{
				Name:      "export",
				Usage:     "export events as jsonl or csv",
				ArgsUsage: "<file>",
				Flags: append(filterFlags(),
					&cli.StringFlag{Name: "format", Value: tracecmd.FormatJSONL, Usage: "jsonl or csv"},
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output file (default stdout)"}),
				Action: func(c *cli.Context) error {
					path, err := traceFile(c)
					if err != nil {
						return err
					}
					w := c.App.Writer
					if out := c.String("output"); out != "" {
						f, err := os.Create(out)
						if err != nil {
							return fmt.Errorf("failed to create output file: %w", err)
						}
						defer f.Close()
						w = f
					}
					return tracecmd.RunExport(path, c.String("format"), filterOptions(c), w)
				},
			},
		},
	}
}

func discoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "discover",
		Usage: "browse the network for seam transports",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "timeout", Aliases: []string{"t"}, Value: discovery.BrowseTimeout, Usage: "how long to browse"},
			&cli.StringFlag{Name: "interface", Usage: "restrict browsing to one interface"},
			&cli.BoolFlag{Name: "udp", Usage: "browse QUIC transports instead of stream transports"},
		},
		Action: func(c *cli.Context) error {
			serviceType := discovery.ServiceType
			if c.Bool("udp") {
				serviceType = discovery.ServiceTypeUDP
			}
			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			browser := discovery.NewBrowser(discovery.BrowserConfig{Interface: c.String("interface")})
			results, err := browser.Browse(ctx, serviceType)
			if err != nil {
				return err
			}
			n := printServices(c.App.Writer, results)
			fmt.Fprintf(c.App.Writer, "%d service(s) found in %s\n", n, c.Duration("timeout").Round(time.Millisecond))
			return nil
		},
	}
}
