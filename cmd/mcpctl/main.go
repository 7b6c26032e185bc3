// Command mcpctl talks to a configured MCP server from the command line.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	mcp "github.com/TangGee/mcp-transport"
	"github.com/TangGee/mcp-transport/config"
	"github.com/TangGee/mcp-transport/launcher"
	"github.com/TangGee/mcp-transport/logging"
	"github.com/TangGee/mcp-transport/metrics"
)

const usage = `Usage: mcpctl [flags] <command> [args]

Commands:
  tools                 list tools
  call NAME [JSON]      call a tool with JSON arguments
  resources             list resources
  read URI              read a resource
  templates             list resource templates
  prompts               list prompts
  prompt NAME [JSON]    render a prompt with JSON arguments
  ping                  ping the server
  health                check that the server is alive
  servers               list configured servers

Flags:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("mcpctl", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to the configuration file")
	server := fs.StringP("server", "s", "", "name of the server to talk to")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (console, json)")
	fs.String("metrics-addr", "", "serve prometheus metrics on this address")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("command is required")
	}

	cfg, err := config.Load(*configPath, config.WithFlags(fs))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	command, cmdArgs := fs.Arg(0), fs.Args()[1:]
	if command == "servers" {
		for _, name := range cfg.ServerNames() {
			srv, _ := cfg.Server(name)
			fmt.Fprintf(stdout, "%s\t%s\n", name, srv.Transport)
		}
		return nil
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return errors.Wrap(err, "failed to create logger")
	}
	defer logger.Sync() //nolint:errcheck

	var m metrics.Metrics = metrics.NewNoopMetrics()
	if cfg.Metrics.Address != "" {
		m = metrics.NewMetrics()
		srv := metrics.NewServer(cfg.Metrics.Address, m, logger)
		go func() {
			if err := srv.Run(); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Shutdown() //nolint:errcheck
	}

	name := *server
	if name == "" {
		names := cfg.ServerNames()
		if len(names) != 1 {
			return errors.New("--server is required when more than one server is configured")
		}
		name = names[0]
	}
	srvCfg, err := cfg.Server(name)
	if err != nil {
		return err
	}

	l := launcher.New(mcp.Info{Name: cfg.Client.Name, Version: cfg.Client.Version},
		launcher.WithLogger(logger), launcher.WithMetrics(m))
	client, err := l.Connect(ctx, name, srvCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to close client", zap.Error(err))
		}
	}()

	return runCommand(ctx, client, command, cmdArgs, stdout)
}
