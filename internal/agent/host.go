package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/playok/fleetmon/internal/model"
)

// Source describes the local machine and samples its usage.
type Source interface {
	Describe(ctx context.Context) (*model.Registration, error)
	Sample(ctx context.Context) (*model.Submission, error)
}

// MemoryUsage is the current_memory_usage payload.
type MemoryUsage struct {
	Total   uint64  `json:"total"`
	Used    uint64  `json:"used"`
	Percent float64 `json:"percent"`
}

// DiskUsage is one entry of the current_disk_usage payload.
type DiskUsage struct {
	Mountpoint string  `json:"mountpoint"`
	Total      uint64  `json:"total"`
	Used       uint64  `json:"used"`
	Percent    float64 `json:"percent"`
}

// HostSource reads the local host through gopsutil.
type HostSource struct {
	hostname string
	vms      VMLister
	log      logr.Logger
	now      func() time.Time

	mu      sync.Mutex
	prevCPU *cpu.TimesStat // previous total CPU times for delta calculation
}

// NewHostSource creates a HostSource. hostname overrides the OS hostname when
// set; vms may be nil on machines that never run guests.
func NewHostSource(hostname string, vms VMLister, log logr.Logger) *HostSource {
	return &HostSource{hostname: hostname, vms: vms, log: log.WithName("host"), now: time.Now}
}

// Describe builds the registration document for this host.
func (h *HostSource) Describe(ctx context.Context) (*model.Registration, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("host info: %w", err)
	}
	reg := &model.Registration{Hostname: h.name(info)}

	platform := info.OS
	if info.Platform != "" {
		platform = fmt.Sprintf("%s-%s-%s-%s", info.OS, info.Platform, info.PlatformVersion, info.KernelArch)
	}
	reg.Platform = &platform

	if n, err := cpu.CountsWithContext(ctx, false); err == nil && n > 0 {
		cores := int64(n)
		reg.MaxCores = &cores
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		reg.MaxMemory = &vm.Total
	}
	var diskTotal uint64
	for _, d := range h.disks(ctx) {
		diskTotal += d.Total
	}
	reg.MaxDisk = &diskTotal

	if h.vms != nil {
		names, err := h.vms.ListVMs(ctx)
		if err != nil {
			h.log.V(1).Info("no hypervisor detected", "reason", err.Error())
		} else {
			reg.IsHypervisor = true
			reg.VMList = names
		}
	}
	return reg, nil
}

// Sample takes one usage reading.
func (h *HostSource) Sample(ctx context.Context) (*model.Submission, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("host info: %w", err)
	}
	sub := &model.Submission{
		Hostname:  h.name(info),
		Timestamp: model.RawTimestamp(model.FormatTimestamp(h.now())),
	}

	if pct, ok := h.cpuPercent(ctx); ok {
		sub.CPUUsage = &pct
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sub.MemoryUsage, err = json.Marshal(MemoryUsage{Total: vm.Total, Used: vm.Used, Percent: vm.UsedPercent})
		if err != nil {
			return nil, err
		}
	} else {
		h.log.Error(err, "memory usage")
	}

	sub.DiskUsage, err = json.Marshal(h.disks(ctx))
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (h *HostSource) name(info *host.InfoStat) string {
	if h.hostname != "" {
		return h.hostname
	}
	return info.Hostname
}

// cpuPercent is delta-based against the previous call. The first call has no
// baseline and samples over a short window instead.
func (h *HostSource) cpuPercent(ctx context.Context) (float64, bool) {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil || len(times) == 0 {
		return 0, false
	}
	cur := times[0]

	h.mu.Lock()
	prev := h.prevCPU
	h.prevCPU = &cur
	h.mu.Unlock()

	if prev == nil {
		pcts, err := cpu.PercentWithContext(ctx, 500*time.Millisecond, false)
		if err != nil || len(pcts) == 0 {
			return 0, false
		}
		return pcts[0], true
	}

	dIdle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	dTotal := totalTime(cur) - totalTime(*prev)
	if dTotal <= 0 {
		return 0, true
	}
	return (dTotal - dIdle) / dTotal * 100, true
}

func totalTime(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Iowait + t.Steal + t.Nice + t.Irq + t.Softirq
}

func (h *HostSource) disks(ctx context.Context) []DiskUsage {
	out := []DiskUsage{}
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		h.log.Error(err, "list partitions")
		return out
	}
	seen := make(map[string]bool)
	for _, p := range partitions {
		if seen[p.Mountpoint] {
			continue
		}
		seen[p.Mountpoint] = true
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue
		}
		out = append(out, DiskUsage{
			Mountpoint: p.Mountpoint,
			Total:      usage.Total,
			Used:       usage.Used,
			Percent:    usage.UsedPercent,
		})
	}
	return out
}
