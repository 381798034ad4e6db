package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"domain-rpc/client"
	"domain-rpc/config"
	"domain-rpc/loadbalance"
	"domain-rpc/message"
	"domain-rpc/registry"
)

// Target selects the server a client command connects to.
type Target struct {
	Addr      string `help:"Server address. Without it the domain is discovered through etcd, or the configured listen address is used."`
	Transport string `help:"Transport of --addr: tcp or ws." default:"tcp" enum:"tcp,ws"`
}

// dial connects to a server of domain.
func (t *Target) dial(ctx context.Context, cfg *config.Config, logger *zap.Logger, domain string) (*client.Client, error) {
	opts := []client.Option{client.WithLogger(logger), client.WithCallTimeout(cfg.CallTimeout)}
	if cfg.Log.Console {
		opts = append(opts, client.WithLogConsole())
	}

	if t.Addr == "" && len(cfg.Etcd.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, logger)
		if err != nil {
			return nil, err
		}
		defer reg.Close()
		bal, err := loadbalance.New(cfg.Balancer)
		if err != nil {
			return nil, err
		}
		return client.DialDomain(ctx, reg, bal, domain, nil, opts...)
	}

	ep := registry.Endpoint{Addr: t.Addr, Transport: t.Transport}
	if ep.Addr == "" {
		ep = registry.Endpoint{Addr: cfg.Listen, Transport: cfg.Transport}
	}
	sock, err := client.DialEndpoint(ctx, ep)
	if err != nil {
		return nil, err
	}
	return client.New(sock, opts...), nil
}

type CallCmd struct {
	Target

	Method  string        `arg:"" help:"Wire name, e.g. Runtime.evaluate."`
	Params  string        `arg:"" optional:"" default:"{}" help:"Params as JSON."`
	Timeout time.Duration `default:"10s" help:"Give up after this long."`
}

func (c *CallCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	domain, _, ok := message.Split(c.Method)
	if !ok {
		return fmt.Errorf("method %q has no domain, want Domain.method", c.Method)
	}
	if !json.Valid([]byte(c.Params)) {
		return fmt.Errorf("params are not valid JSON: %s", c.Params)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	cl, err := c.dial(ctx, cfg, logger, domain)
	if err != nil {
		return err
	}
	defer cl.Close()

	result, err := cl.Call(ctx, c.Method, json.RawMessage(c.Params))
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, result)
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
