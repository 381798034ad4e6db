package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"domain-rpc/registry"
)

type WatchCmd struct {
	Domain string `arg:"" help:"Domain to watch, e.g. Runtime."`
}

func (w *WatchCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if len(cfg.Etcd.Endpoints) == 0 {
		return errors.New("watch needs etcd endpoints in the config file or DOMAINRPC_ETCD_ENDPOINTS")
	}
	reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return watch(ctx, os.Stdout, reg, w.Domain)
}

// watch prints the current endpoints of domain, then every change until ctx is done.
func watch(ctx context.Context, out io.Writer, reg registry.Registry, domain string) error {
	// subscribe before the first read so no change falls in between
	updates := reg.Watch(ctx, domain)

	current, err := reg.Discover(ctx, domain)
	if err != nil {
		return err
	}
	printEndpoints(out, domain, current)

	for endpoints := range updates {
		printEndpoints(out, domain, endpoints)
	}
	return nil
}

func printEndpoints(out io.Writer, domain string, endpoints []registry.Endpoint) {
	fmt.Fprintf(out, "%s: %d endpoint(s)\n", domain, len(endpoints))
	for _, ep := range endpoints {
		fmt.Fprintf(out, "  %s %s weight=%d %s\n", ep.Transport, ep.Addr, ep.Weight, ep.Version)
	}
}
