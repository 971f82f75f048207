// Package history serves range-filtered, ordered and paginated sample
// windows for charting.
package history

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/playok/fleetmon/internal/access"
	"github.com/playok/fleetmon/internal/model"
	"github.com/playok/fleetmon/internal/store"
	"github.com/playok/fleetmon/internal/telemetry"
)

const (
	DefaultLimit = 120
	MaxLimit     = 2000
)

// Query selects a window of samples. Start and End are inclusive.
type Query struct {
	Start      *time.Time
	End        *time.Time
	Descending bool
	Limit      int
}

// ParseQuery reads start, end, order and limit from v. Malformed bounds are
// ignored; a bad order or a non-integer limit is a ValidationError. The
// limit is clamped to [1, MaxLimit].
func ParseQuery(v url.Values) (Query, error) {
	q := Query{Limit: DefaultLimit}

	if t, ok := model.ParseTimestamp(v.Get("start")); ok {
		q.Start = &t
	}
	if t, ok := model.ParseTimestamp(v.Get("end")); ok {
		q.End = &t
	}

	switch strings.ToLower(strings.TrimSpace(v.Get("order"))) {
	case "", "asc":
	case "desc":
		q.Descending = true
	default:
		return Query{}, model.Invalid("order", "Invalid order parameter. Use 'asc' or 'desc'.")
	}

	if raw := strings.TrimSpace(v.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Query{}, model.Invalid("limit", "Limit must be an integer.")
		}
		q.Limit = clamp(n)
	}
	return q, nil
}

func clamp(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// Result is one history window for a machine.
type Result struct {
	Machine *model.Machine
	Count   int
	Samples []model.MetricSample
}

// Engine runs history queries.
type Engine struct {
	store   *store.Store
	metrics *telemetry.Metrics
	log     logr.Logger
}

// New creates an Engine. metrics may be nil.
func New(st *store.Store, m *telemetry.Metrics, log logr.Logger) *Engine {
	return &Engine{store: st, metrics: m, log: log.WithName("history")}
}

// Query returns the samples of hostname matching q. An unknown machine, or
// one the caller may not see, yields store.ErrNotFound; a machine without
// matching samples yields an empty result.
func (e *Engine) Query(ctx context.Context, caller model.Caller, hostname string, q Query) (*Result, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveHistory(time.Since(start)) }()

	m, err := e.store.GetMachine(ctx, hostname)
	if err != nil {
		return nil, err
	}
	if !access.CanView(m, caller) {
		return nil, store.ErrNotFound
	}

	samples, err := e.store.QuerySamples(ctx, m.ID, store.SampleQuery{
		Start:      q.Start,
		End:        q.End,
		Descending: q.Descending,
		Limit:      clamp(q.Limit),
	})
	if err != nil {
		return nil, fmt.Errorf("query samples for %q: %w", hostname, err)
	}
	if samples == nil {
		samples = []model.MetricSample{}
	}
	e.log.V(1).Info("history", "hostname", hostname, "count", len(samples), "desc", q.Descending)
	return &Result{Machine: m, Count: len(samples), Samples: samples}, nil
}
