// Package ingest validates agent metric submissions and appends them to the
// store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/playok/fleetmon/internal/access"
	"github.com/playok/fleetmon/internal/events"
	"github.com/playok/fleetmon/internal/model"
	"github.com/playok/fleetmon/internal/store"
	"github.com/playok/fleetmon/internal/telemetry"
)

var (
	// ErrNotRegistered rejects samples for a hostname with no machine row.
	ErrNotRegistered = errors.New("machine not registered")
	// ErrNoSamples is returned by Latest for a machine that never reported.
	ErrNoSamples = fmt.Errorf("no metrics found: %w", store.ErrNotFound)
)

// Listener is told about every stored sample.
type Listener interface {
	SampleStored(m *model.Machine, s *model.MetricSample)
}

// Ingestor is the metric ingestion service.
type Ingestor struct {
	store   *store.Store
	events  *events.Emitter
	metrics *telemetry.Metrics
	log     logr.Logger
	now     func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// New creates an Ingestor. events and metrics may be nil.
func New(st *store.Store, em *events.Emitter, m *telemetry.Metrics, log logr.Logger) *Ingestor {
	return &Ingestor{
		store:   st,
		events:  em,
		metrics: m,
		log:     log.WithName("ingest"),
		now:     time.Now,
	}
}

// AddListener registers l for stored-sample notifications.
func (i *Ingestor) AddListener(l Listener) {
	i.mu.Lock()
	i.listeners = append(i.listeners, l)
	i.mu.Unlock()
}

// Ingest stores one sample. A missing or unparsable timestamp is replaced by
// the current time.
func (i *Ingestor) Ingest(ctx context.Context, sub *model.Submission) (*model.MetricSample, error) {
	if sub == nil || strings.TrimSpace(sub.Hostname) == "" {
		i.metrics.Rejected("invalid")
		return nil, model.Invalid("hostname", "hostname is required")
	}

	m, err := i.store.GetMachine(ctx, sub.Hostname)
	if errors.Is(err, store.ErrNotFound) {
		i.metrics.Rejected("not_registered")
		i.log.V(1).Info("rejected sample for unknown machine", "hostname", sub.Hostname)
		return nil, ErrNotRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", sub.Hostname, err)
	}

	mem, err := model.StoragePayload(sub.MemoryUsage)
	if err != nil {
		i.metrics.Rejected("invalid")
		return nil, model.Invalid("current_memory_usage", "not valid JSON")
	}
	disk, err := model.StoragePayload(sub.DiskUsage)
	if err != nil {
		i.metrics.Rejected("invalid")
		return nil, model.Invalid("current_disk_usage", "not valid JSON")
	}

	ts, ok := model.ParseTimestamp(string(sub.Timestamp))
	if !ok {
		if sub.Timestamp != "" {
			i.log.V(1).Info("unparsable timestamp, using now", "hostname", sub.Hostname, "timestamp", sub.Timestamp)
		}
		ts = i.now().UTC()
	}

	sample := &model.MetricSample{
		MachineID:   m.ID,
		Timestamp:   ts.Truncate(time.Microsecond),
		CPUUsage:    sub.CPUUsage,
		MemoryUsage: mem,
		DiskUsage:   disk,
	}
	if sample.ID, err = i.store.InsertSample(ctx, sample); err != nil {
		return nil, fmt.Errorf("insert sample for %q: %w", sub.Hostname, err)
	}

	i.metrics.Ingested()
	i.events.MetricIngested(ctx, events.MetricIngested{
		Hostname:  m.Hostname,
		MachineID: m.ID,
		MetricID:  sample.ID,
		Timestamp: sample.Timestamp,
	})
	i.mu.RLock()
	for _, l := range i.listeners {
		l.SampleStored(m, sample)
	}
	i.mu.RUnlock()
	return sample, nil
}

// Latest returns the newest sample of a machine visible to caller.
// Both an unknown machine and one without samples yield store.ErrNotFound.
func (i *Ingestor) Latest(ctx context.Context, caller model.Caller, hostname string) (*model.MetricSample, error) {
	m, err := i.store.GetMachine(ctx, hostname)
	if err != nil {
		return nil, err
	}
	if !access.CanView(m, caller) {
		return nil, store.ErrNotFound
	}
	s, err := i.store.LatestSample(ctx, m.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSamples
	}
	return s, err
}
