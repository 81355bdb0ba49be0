package maestro

import (
	"fmt"
	"sync"

	"github.com/prometheus/procfs"
)

// Utilisation watermarks for the adaptive worker budget. Above the high
// mark the budget halves; above the critical mark it pins to the pool
// minimum.
const (
	cpuHighPct     = 80
	cpuCriticalPct = 92
	memHighPct     = 85
	memCriticalPct = 95
)

// HostLoad is one load snapshot feeding AdaptiveWorkers. Percentages run
// 0..100; zero means the signal is unavailable and only queue depth and
// in-flight counts apply.
type HostLoad struct {
	CPUPct float64
	MemPct float64
	Active int // model requests in flight across all families
}

// HostStats samples host utilisation for the executor.
type HostStats interface {
	Sample() (cpuPct, memPct float64)
}

// ProcHostStats reads CPU and memory utilisation from /proc. CPU is the
// busy share of the interval since the previous Sample, so the first call
// reports zero.
type ProcHostStats struct {
	fs procfs.FS

	mu        sync.Mutex
	lastBusy  float64
	lastTotal float64
}

// NewProcHostStats opens the default proc mount.
func NewProcHostStats() (*ProcHostStats, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("maestro: procfs: %w", err)
	}
	return &ProcHostStats{fs: fs}, nil
}

func (p *ProcHostStats) Sample() (float64, float64) {
	return p.cpu(), p.mem()
}

func (p *ProcHostStats) cpu() float64 {
	stat, err := p.fs.Stat()
	if err != nil {
		return 0
	}
	c := stat.CPUTotal
	busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	total := busy + c.Idle + c.Iowait

	p.mu.Lock()
	defer p.mu.Unlock()
	dBusy := busy - p.lastBusy
	dTotal := total - p.lastTotal
	p.lastBusy, p.lastTotal = busy, total
	if dTotal <= 0 || dBusy < 0 {
		return 0
	}
	return 100 * dBusy / dTotal
}

func (p *ProcHostStats) mem() float64 {
	mi, err := p.fs.Meminfo()
	if err != nil || mi.MemTotal == nil || *mi.MemTotal == 0 {
		return 0
	}
	var avail uint64
	if mi.MemAvailable != nil {
		avail = *mi.MemAvailable
	}
	return 100 * float64(*mi.MemTotal-avail) / float64(*mi.MemTotal)
}

var _ HostStats = (*ProcHostStats)(nil)
