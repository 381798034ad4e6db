// Command domainrpc serves and calls domain scoped JSON-RPC endpoints.
package main

import (
	"fmt"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"domain-rpc/config"
	"domain-rpc/logging"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// Globals are the flags shared by every command.
type Globals struct {
	Config   string `help:"Path to a YAML config file." type:"path" env:"DOMAINRPC_CONFIG"`
	LogLevel string `name:"log-level" help:"Overrides log.level of the config file."`
}

// load reads the configuration, applies the global flags and builds the logger.
func (g *Globals) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration error: %w", err)
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" help:"Serve the Runtime, Debugger and Profiler domains."`
	Call    CallCmd    `cmd:"" help:"Call Domain.method and print the result."`
	Listen  ListenCmd  `cmd:"" help:"Print notifications sent by a server."`
	Watch   WatchCmd   `cmd:"" help:"Print the endpoints serving a domain as they change."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

type VersionCmd struct{}

func (VersionCmd) Run() error {
	fmt.Printf("domainrpc %s (%s, built %s)\n", version, commit, buildDate)
	return nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("domainrpc"),
		kong.Description("Domain scoped bidirectional JSON-RPC over TCP or WebSocket."),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Bind(&cli.Globals),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
