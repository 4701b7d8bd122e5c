package obs

import (
	"context"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/yanun0323/logs"
)

// MemoryMetric keeps the last two runtime.MemStats samples so heap growth
// between samples can be reported while a long replay is running.
type MemoryMetric struct {
	mu         sync.Mutex
	buf        [1024]byte
	prev, curr runtime.MemStats
	base       runtime.MemStats
	prevAt     time.Time
	currAt     time.Time
	hasBase    bool
}

// MemorySample is the subset of MemStats worth reporting per window.
type MemorySample struct {
	At          time.Time
	HeapAlloc   uint64
	HeapInuse   uint64
	HeapObjects uint64
	NumGC       uint32
	// Growth is HeapAlloc minus the first sample's HeapAlloc.
	Growth int64
}

// RunReportSchedule samples and logs on every tick until ctx is done.
func (m *MemoryMetric) RunReportSchedule(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Snapshot()
			m.Print()
		}
	}
}

// Snapshot reads the runtime stats and returns the new sample.
func (m *MemoryMetric) Snapshot() MemorySample {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prev, m.curr = m.curr, m.prev
	m.prevAt = m.currAt
	m.currAt = time.Now()

	runtime.ReadMemStats(&m.curr)

	if m.prevAt.IsZero() {
		m.prevAt = m.currAt
	}
	if !m.hasBase {
		m.base = m.curr
		m.hasBase = true
	}
	return m.sampleLocked()
}

// Last returns the most recent sample without reading the runtime again.
func (m *MemoryMetric) Last() MemorySample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sampleLocked()
}

func (m *MemoryMetric) sampleLocked() MemorySample {
	return MemorySample{
		At:          m.currAt,
		HeapAlloc:   m.curr.HeapAlloc,
		HeapInuse:   m.curr.HeapInuse,
		HeapObjects: m.curr.HeapObjects,
		NumGC:       m.curr.NumGC,
		Growth:      int64(m.curr.HeapAlloc) - int64(m.base.HeapAlloc),
	}
}

// Print logs the delta between the last two samples and the heap growth
// since the first one.
func (m *MemoryMetric) Print() {
	logs.Info(string(m.AppendReport(nil)))
}

// AppendReport appends the rendered report line to dst.
func (m *MemoryMetric) AppendReport(dst []byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	line := m.buf[:0]
	dt := m.currAt.Sub(m.prevAt).Seconds()
	if dt <= 0 {
		dt = 1
	}
	allocated := m.curr.TotalAlloc - m.prev.TotalAlloc

	line = append(line, "[HEAP]"...)
	line = appendBytesField(line, "alloc", m.curr.HeapAlloc)
	line = appendBytesField(line, "base", m.base.HeapAlloc)
	line = append(line, " growth="...)
	growth := int64(m.curr.HeapAlloc) - int64(m.base.HeapAlloc)
	if growth < 0 {
		line = append(line, '-')
		growth = -growth
	}
	v, unit := bytesCarry(uint64(growth))
	line = strconv.AppendUint(line, v, 10)
	line = append(line, unit...)
	line = appendBytesField(line, "inuse", m.curr.HeapInuse)
	line = append(line, " objects="...)
	line = strconv.AppendUint(line, m.curr.HeapObjects, 10)
	line = appendBytesField(line, "allocated", allocated)
	rate, runit := bytesCarryFloat(float64(allocated) / dt)
	line = append(line, " rate="...)
	line = strconv.AppendFloat(line, rate, 'f', 2, 64)
	line = append(line, runit...)
	line = append(line, "/s"...)

	line = append(line, " [GC] runs="...)
	line = strconv.AppendUint(line, uint64(m.curr.NumGC-m.prev.NumGC), 10)
	line = append(line, " pause="...)
	line = strconv.AppendFloat(line, float64(m.curr.PauseTotalNs-m.prev.PauseTotalNs)/1e6, 'f', 3, 64)
	line = append(line, "ms"...)
	line = appendBytesField(line, "next", m.curr.NextGC)

	return append(dst, line...)
}

func appendBytesField(line []byte, key string, value uint64) []byte {
	line = append(line, ' ')
	line = append(line, key...)
	line = append(line, '=')
	v, unit := bytesCarry(value)
	line = strconv.AppendUint(line, v, 10)
	return append(line, unit...)
}

const carryThreshold = 1 << 15

func bytesCarry(value uint64) (uint64, string) {
	if value < carryThreshold {
		return value, " B"
	}
	value >>= 10
	if value < carryThreshold {
		return value, " KB"
	}
	value >>= 10
	if value < carryThreshold {
		return value, " MB"
	}
	return value >> 10, " GB"
}

func bytesCarryFloat(value float64) (float64, string) {
	if value < float64(carryThreshold) {
		return value, " B"
	}
	value /= 1024
	if value < float64(carryThreshold) {
		return value, " KB"
	}
	value /= 1024
	if value < float64(carryThreshold) {
		return value, " MB"
	}
	return value / 1024, " GB"
}
