package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"domain-rpc/api"
)

// exposeDemo registers the Runtime, Debugger and Profiler domains served by
// the serve command.
func exposeDemo(a *api.API, logger *zap.Logger) error {
	modules := map[string]any{
		"Runtime":  &Runtime{},
		"Debugger": &Debugger{domain: a.Domain("Debugger"), logger: logger},
		"Profiler": &Profiler{},
	}
	for name, module := range modules {
		if err := a.Domain(name).Expose(module); err != nil {
			return err
		}
	}
	return nil
}

// RemoteObject describes an evaluated value.
type RemoteObject struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

type EvaluateArgs struct {
	Expression string `json:"expression"`
}

type EvaluateResult struct {
	Result RemoteObject `json:"result"`
}

type Runtime struct{}

// Evaluate reads the expression as a JSON literal. Anything else is
// returned as a string.
func (*Runtime) Evaluate(_ context.Context, args *EvaluateArgs) (*EvaluateResult, error) {
	if args.Expression == "" {
		return nil, errors.New("expression is empty")
	}
	var v any
	if err := json.Unmarshal([]byte(args.Expression), &v); err != nil {
		return &EvaluateResult{Result: RemoteObject{Type: "string", Value: json.RawMessage(strconv.Quote(args.Expression))}}, nil
	}
	return &EvaluateResult{Result: RemoteObject{Type: typeOf(v), Value: json.RawMessage(args.Expression)}}, nil
}

func (*Runtime) GetVersion(context.Context) (map[string]string, error) {
	return map[string]string{"product": "domainrpc", "version": version}, nil
}

func typeOf(v any) string {
	switch v.(type) {
	case nil:
		return "object"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	default:
		return "object"
	}
}

type PauseArgs struct {
	Reason string `json:"reason"`
}

// Debugger broadcasts paused and resumed to every client.
type Debugger struct {
	domain *api.Domain
	logger *zap.Logger

	enabled atomic.Bool
}

func (d *Debugger) Enable(context.Context) (map[string]string, error) {
	d.enabled.Store(true)
	return map[string]string{"debuggerId": "domainrpc"}, nil
}

func (d *Debugger) Disable(context.Context) (any, error) {
	d.enabled.Store(false)
	return nil, nil
}

func (d *Debugger) Pause(_ context.Context, args *PauseArgs) (any, error) {
	if !d.enabled.Load() {
		return nil, errors.New("debugger is not enabled")
	}
	reason := "other"
	if args != nil && args.Reason != "" {
		reason = args.Reason
	}
	return nil, d.broadcast("paused", map[string]string{"reason": reason})
}

func (d *Debugger) Resume(context.Context) (any, error) {
	if !d.enabled.Load() {
		return nil, errors.New("debugger is not enabled")
	}
	return nil, d.broadcast("resumed", nil)
}

func (d *Debugger) broadcast(name string, params any) error {
	if err := d.domain.Emit(name, params); err != nil {
		// a failed recipient does not fail the call
		d.logger.Warn("broadcast", zap.String("event", name), zap.Error(err))
	}
	return nil
}

type StartArgs struct {
	Interval int `json:"interval"` // microseconds
}

type Profile struct {
	StartTime int64 `json:"startTime"`
	EndTime   int64 `json:"endTime"`
	Interval  int   `json:"interval"`
}

// Profiler records when profiling ran.
type Profiler struct {
	mu       sync.Mutex
	started  time.Time
	interval int
}

func (p *Profiler) Start(_ context.Context, args *StartArgs) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started.IsZero() {
		return nil, errors.New("profiler is already started")
	}
	p.started = time.Now()
	p.interval = 1000
	if args != nil && args.Interval > 0 {
		p.interval = args.Interval
	}
	return nil, nil
}

func (p *Profiler) Stop(context.Context) (*Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started.IsZero() {
		return nil, fmt.Errorf("profiler is not started")
	}
	profile := &Profile{
		StartTime: p.started.UnixMicro(),
		EndTime:   time.Now().UnixMicro(),
		Interval:  p.interval,
	}
	p.started = time.Time{}
	return profile, nil
}
