package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 1, 1, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name  string
		input string
		want  time.Time
		ok    bool
	}{
		{name: "zulu suffix", input: "2025-01-01T03:04:05Z", want: want, ok: true},
		{name: "explicit utc offset", input: "2025-01-01T03:04:05+00:00", want: want, ok: true},
		{name: "offset converted to utc", input: "2025-01-01T05:04:05+02:00", want: want, ok: true},
		{name: "naive treated as utc", input: "2025-01-01T03:04:05", want: want, ok: true},
		{name: "space separator", input: "2025-01-01 03:04:05", want: want, ok: true},
		{name: "fractional seconds", input: "2025-01-01T03:04:05.250000Z", want: want.Add(250 * time.Millisecond), ok: true},
		{name: "python isoformat plus z", input: "2025-01-01T03:04:05.000001Z", want: want.Add(time.Microsecond), ok: true},
		{name: "date only", input: "2025-01-01", want: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), ok: true},
		{name: "empty", input: "", ok: false},
		{name: "garbage", input: "yesterday-ish", ok: false},
		{name: "unix seconds", input: "1735700000", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTimestamp(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
				assert.Equal(t, time.UTC, got.Location())
			}
		})
	}
}

func TestParseTimestampOr(t *testing.T) {
	def := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, def, ParseTimestampOr("not a time", def))
	assert.Equal(t, def, ParseTimestampOr("", def))
	assert.NotEqual(t, def, ParseTimestampOr("2025-01-01T00:00:00Z", def))
}

func TestFormatTimestampIsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	ts := time.Date(2025, 1, 1, 2, 0, 0, 0, loc)
	assert.Equal(t, "2025-01-01T00:00:00Z", FormatTimestamp(ts))
}

func TestMetricSampleJSON(t *testing.T) {
	cpu := 12.5
	s := MetricSample{
		Timestamp:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		CPUUsage:    &cpu,
		MemoryUsage: Payload(`{"total":100,"used":50,"percent":50}`),
		DiskUsage:   Payload(`[{"mountpoint":`),
	}
	data, err := json.Marshal(s)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "2025-01-01T00:00:00Z", got["Timestamp"])
	assert.Equal(t, 12.5, got["Current_CPU_Usage"])
	assert.Equal(t, map[string]any{"total": 100.0, "used": 50.0, "percent": 50.0}, got["Current_Memory_Usage"])
	assert.Nil(t, got["Current_Disk_Usage"])
}

func TestStoragePayload(t *testing.T) {
	p, err := StoragePayload(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(p))

	p, err = StoragePayload(Payload("{ \"used\" : 1 }"))
	require.NoError(t, err)
	assert.Equal(t, `{"used":1}`, string(p))

	_, err = StoragePayload(Payload("{"))
	assert.Error(t, err)
}

func TestSubmissionTimestampDecoding(t *testing.T) {
	tests := []struct {
		body string
		want RawTimestamp
	}{
		{`{"timestamp":"2025-01-01T00:00:00Z"}`, "2025-01-01T00:00:00Z"},
		{`{"timestamp":null}`, ""},
		{`{}`, ""},
		{`{"timestamp":1735689600}`, "1735689600"},
		{`{"timestamp":{"x":1}}`, `{"x":1}`},
		{`{"timestamp":true}`, "true"},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			var sub Submission
			require.NoError(t, json.Unmarshal([]byte(tt.body), &sub))
			assert.Equal(t, tt.want, sub.Timestamp)
		})
	}

	for _, raw := range []RawTimestamp{"1735689600", `{"x":1}`, "true"} {
		_, ok := ParseTimestamp(string(raw))
		assert.False(t, ok, raw)
	}
}
