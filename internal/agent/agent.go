// Package agent is the polling side of fleetmon: it describes the local host
// to the server once, then reports usage samples on an interval.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// DefaultRefresh is how often the registration is re-sent so the VM list of
// a hypervisor stays current.
const DefaultRefresh = 5 * time.Minute

// Agent registers a Source with the server and streams its samples.
type Agent struct {
	src        Source
	client     *Client
	interval   time.Duration
	refresh    time.Duration
	newBackOff func() backoff.BackOff
	log        logr.Logger
}

// Option customizes an Agent.
type Option func(*Agent)

// WithBackOff replaces the exponential registration backoff.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(a *Agent) { a.newBackOff = fn }
}

// WithRefresh sets the re-registration period. Zero disables it.
func WithRefresh(d time.Duration) Option {
	return func(a *Agent) { a.refresh = d }
}

// New creates an Agent that reports every interval.
func New(src Source, client *Client, interval time.Duration, log logr.Logger, opts ...Option) *Agent {
	if interval < time.Second {
		interval = time.Second
	}
	a := &Agent{
		src:      src,
		client:   client,
		interval: interval,
		refresh:  DefaultRefresh,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = time.Minute
			return b
		},
		log: log.WithName("agent"),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Register describes the host and registers it, retrying with exponential
// backoff until it succeeds or ctx is done. Client errors are not retried.
func (a *Agent) Register(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		reg, err := a.src.Describe(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if err := a.client.Register(ctx, reg); err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Code < 500 {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		a.log.Info("registered", "hostname", reg.Hostname, "hypervisor", reg.IsHypervisor, "vms", len(reg.VMList))
		return struct{}{}, nil
	},
		backoff.WithBackOff(a.newBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.log.Error(err, "register failed, retrying", "in", next)
		}),
	)
	return err
}

// Once registers and sends a single sample.
func (a *Agent) Once(ctx context.Context) error {
	if err := a.Register(ctx); err != nil {
		return err
	}
	return a.report(ctx)
}

// Run registers, then reports every interval until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Register(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.loop(ctx, a.interval, true, "report", a.report)
		return nil
	})
	if a.refresh > 0 {
		g.Go(func() error {
			a.loop(ctx, a.refresh, false, "refresh registration", a.Register)
			return nil
		})
	}
	return g.Wait()
}

func (a *Agent) loop(ctx context.Context, every time.Duration, immediate bool, what string, fn func(context.Context) error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	run := func() {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			a.log.Error(err, what+" failed")
		}
	}
	if immediate {
		run()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// report sends one sample. If the server no longer knows this machine the
// agent registers again and retries the same sample once.
func (a *Agent) report(ctx context.Context) error {
	sub, err := a.src.Sample(ctx)
	if err != nil {
		return err
	}
	err = a.client.Submit(ctx, sub)
	var se *StatusError
	if errors.As(err, &se) && se.notRegistered() {
		a.log.Info("server does not know this machine, registering again", "hostname", sub.Hostname)
		if err := a.Register(ctx); err != nil {
			return err
		}
		err = a.client.Submit(ctx, sub)
	}
	if err != nil {
		return err
	}
	a.log.V(1).Info("sample sent", "hostname", sub.Hostname, "timestamp", sub.Timestamp)
	return nil
}
