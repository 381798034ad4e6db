package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"domain-rpc/message"
)

type ListenCmd struct {
	Target

	Events []string `arg:"" help:"Notifications to print, e.g. Debugger.paused. All must share one domain."`
}

func (l *ListenCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	domain, err := sharedDomain(l.Events)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl, err := l.dial(ctx, cfg, logger, domain)
	if err != nil {
		return err
	}
	defer cl.Close()

	for _, name := range l.Events {
		cl.On(name, func(params json.RawMessage) {
			fmt.Printf("%s %s\n", name, params)
		})
	}
	if err := cl.Ready(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case <-cl.Done():
		return fmt.Errorf("connection closed")
	}
}

func sharedDomain(events []string) (string, error) {
	var domain string
	for _, ev := range events {
		d, _, ok := message.Split(ev)
		if !ok {
			return "", fmt.Errorf("event %q has no domain, want Domain.event", ev)
		}
		if domain != "" && d != domain {
			return "", fmt.Errorf("events span domains %s and %s", domain, d)
		}
		domain = d
	}
	return domain, nil
}
