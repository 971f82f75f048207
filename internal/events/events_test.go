package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	subject string
	payload []byte
}

type recorder struct {
	mu     sync.Mutex
	msgs   []message
	err    error
	closed bool
}

func (r *recorder) Publish(_ context.Context, subject string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, message{subject, payload})
	return nil
}

func (r *recorder) Close() { r.closed = true }

func TestEmitterSubjectsAndPayloads(t *testing.T) {
	rec := &recorder{}
	e := NewEmitter(rec, "lab", testr.New(t))
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	e.MachineRegistered(context.Background(), MachineRegistered{Hostname: "hv-1", MachineID: 3, Created: true, VMCount: 2, Time: ts})
	e.MetricIngested(context.Background(), MetricIngested{Hostname: "hv-1", MachineID: 3, MetricID: 9, Timestamp: ts})

	require.Len(t, rec.msgs, 2)
	assert.Equal(t, "lab.machines.registered", rec.msgs[0].subject)
	assert.Equal(t, "lab.metrics.ingested", rec.msgs[1].subject)

	var got MachineRegistered
	require.NoError(t, json.Unmarshal(rec.msgs[0].payload, &got))
	assert.Equal(t, "hv-1", got.Hostname)
	assert.Equal(t, 2, got.VMCount)
	assert.True(t, got.Created)

	e.Close()
	assert.True(t, rec.closed)
}

func TestEmitterSwallowsPublishErrors(t *testing.T) {
	rec := &recorder{err: errors.New("bus down")}
	e := NewEmitter(rec, "", testr.New(t))
	assert.Equal(t, "fleetmon.metrics.ingested", e.Subject("metrics.ingested"))
	assert.NotPanics(t, func() {
		e.MetricIngested(context.Background(), MetricIngested{Hostname: "x"})
	})
}

func TestNilEmitterIsSafe(t *testing.T) {
	var e *Emitter
	assert.NotPanics(t, func() {
		e.MachineRegistered(context.Background(), MachineRegistered{})
		e.Close()
	})
	assert.NotPanics(t, func() {
		NewEmitter(nil, "x", testr.New(t)).MetricIngested(context.Background(), MetricIngested{})
	})
}
