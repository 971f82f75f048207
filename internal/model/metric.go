package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// Payload is an agent-defined JSON document (memory or disk usage).
// Its shape is not validated beyond being valid JSON.
type Payload = json.RawMessage

var nullPayload = Payload("null")

// MetricSample is one immutable, timestamped usage record for a machine.
type MetricSample struct {
	ID          int64     `json:"-"`
	MachineID   int64     `json:"-"`
	Timestamp   time.Time `json:"-"`
	CPUUsage    *float64  `json:"-"`
	MemoryUsage Payload   `json:"-"`
	DiskUsage   Payload   `json:"-"`
}

type metricSampleJSON struct {
	Timestamp   string   `json:"Timestamp"`
	CPUUsage    *float64 `json:"Current_CPU_Usage"`
	MemoryUsage Payload  `json:"Current_Memory_Usage"`
	DiskUsage   Payload  `json:"Current_Disk_Usage"`
}

// MarshalJSON renders the client-facing shape. Payloads that are not valid
// JSON come back as null instead of failing the whole response.
func (m MetricSample) MarshalJSON() ([]byte, error) {
	return json.Marshal(metricSampleJSON{
		Timestamp:   FormatTimestamp(m.Timestamp),
		CPUUsage:    m.CPUUsage,
		MemoryUsage: ClientPayload(m.MemoryUsage),
		DiskUsage:   ClientPayload(m.DiskUsage),
	})
}

// Submission is one metric report from an agent.
type Submission struct {
	Hostname    string       `json:"hostname"`
	Timestamp   RawTimestamp `json:"timestamp"`
	CPUUsage    *float64     `json:"current_cpu_usage"`
	MemoryUsage Payload      `json:"current_memory_usage"`
	DiskUsage   Payload      `json:"current_disk_usage"`
}

// RawTimestamp is a submitted timestamp as sent. A JSON string decodes to
// its value; any other JSON value keeps its raw text, which never parses
// as a timestamp, so ingestion falls back to the current time.
type RawTimestamp string

func (t *RawTimestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*t = RawTimestamp(bytes.TrimSpace(b))
		return nil
	}
	*t = RawTimestamp(s)
	return nil
}

// StoragePayload compacts p for storage. Absent payloads become null.
func StoragePayload(p Payload) (Payload, error) {
	if len(bytes.TrimSpace(p)) == 0 {
		return nullPayload, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, p); err != nil {
		return nil, err
	}
	return Payload(buf.Bytes()), nil
}

// ClientPayload returns p if it is valid JSON and null otherwise.
func ClientPayload(p Payload) Payload {
	if len(p) == 0 || !json.Valid(p) {
		return nullPayload
	}
	return p
}
