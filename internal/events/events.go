// Package events fans out registry and ingest notifications to an external
// message bus.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-logr/logr"
)

// Publisher delivers a payload on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Close()
}

// Nop drops every message. It is used when no bus is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, []byte) error { return nil }
func (Nop) Close()                                        {}

// MachineRegistered is emitted after a registration commits.
type MachineRegistered struct {
	Hostname  string    `json:"hostname"`
	MachineID int64     `json:"machine_id"`
	Created   bool      `json:"created"`
	VMCount   int       `json:"vm_count"`
	Time      time.Time `json:"time"`
}

// MetricIngested is emitted after a sample is stored.
type MetricIngested struct {
	Hostname  string    `json:"hostname"`
	MachineID int64     `json:"machine_id"`
	MetricID  int64     `json:"metric_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Emitter encodes events and publishes them under a subject prefix.
// Failures are logged and swallowed.
type Emitter struct {
	pub    Publisher
	prefix string
	log    logr.Logger
}

// NewEmitter wraps pub. A nil pub behaves like Nop.
func NewEmitter(pub Publisher, prefix string, log logr.Logger) *Emitter {
	if pub == nil {
		pub = Nop{}
	}
	if prefix == "" {
		prefix = "fleetmon"
	}
	return &Emitter{pub: pub, prefix: prefix, log: log.WithName("events")}
}

// Subject returns the full subject for name.
func (e *Emitter) Subject(name string) string {
	return e.prefix + "." + name
}

func (e *Emitter) MachineRegistered(ctx context.Context, ev MachineRegistered) {
	e.emit(ctx, "machines.registered", ev)
}

func (e *Emitter) MetricIngested(ctx context.Context, ev MetricIngested) {
	e.emit(ctx, "metrics.ingested", ev)
}

func (e *Emitter) emit(ctx context.Context, name string, v any) {
	if e == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		e.log.Error(err, "encode event", "subject", e.Subject(name))
		return
	}
	if err := e.pub.Publish(ctx, e.Subject(name), payload); err != nil {
		e.log.Error(err, "publish event", "subject", e.Subject(name))
		return
	}
	e.log.V(1).Info("published", "subject", e.Subject(name))
}

// Close releases the underlying publisher.
func (e *Emitter) Close() {
	if e != nil {
		e.pub.Close()
	}
}
