package supervisor

import (
	"time"

	"github.com/prometheus/procfs"
)

// cpuSample is the last observed cumulative CPU time for one child, used to
// derive usage over the sampling interval.
type cpuSample struct {
	cpuTime float64
	taken   time.Time
}

// healthLoop samples /proc for every live connector handle at the
// configured interval until ShutdownAll stops it.
func (s *Supervisor) healthLoop() {
	defer close(s.healthDone)

	interval := s.settings.HealthInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := make(map[Key]cpuSample)
	for {
		select {
		case <-s.stopHealth:
			return
		case <-ticker.C:
			s.sampleHealth(last)
		}
	}
}

func (s *Supervisor) sampleHealth(last map[Key]cpuSample) {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.connectors))
	for _, reg := range s.connectors {
		select {
		case <-reg.ready:
			if reg.handle != nil {
				handles = append(handles, reg.handle)
			}
		default:
		}
	}
	s.mu.Unlock()

	seen := make(map[Key]struct{}, len(handles))
	for _, h := range handles {
		seen[h.Key] = struct{}{}
		if h.Dead() || h.Pid() == 0 {
			delete(last, h.Key)
			continue
		}
		status, sample, ok := sampleProc(h.Pid(), last[h.Key])
		if !ok {
			// The process is gone but the exit watcher has not fired yet.
			h.markDead()
			delete(last, h.Key)
			continue
		}
		last[h.Key] = sample
		h.setStatus(status)
		if s.metrics != nil {
			s.metrics.SetChildHealth(h.Key.Prefix, h.Key.Name, status.CPUUsage, status.Memory)
		}
	}
	for key := range last {
		if _, ok := seen[key]; !ok {
			delete(last, key)
		}
	}
}

// sampleProc reads one process's resident memory and CPU time from procfs.
func sampleProc(pid int, prev cpuSample) (Status, cpuSample, bool) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return Status{}, cpuSample{}, false
	}
	stat, err := proc.Stat()
	if err != nil {
		return Status{}, cpuSample{}, false
	}

	now := time.Now()
	sample := cpuSample{cpuTime: stat.CPUTime(), taken: now}

	status := Status{
		Alive:  true,
		Memory: uint64(stat.ResidentMemory()),
	}
	if !prev.taken.IsZero() {
		wall := now.Sub(prev.taken).Seconds()
		if wall > 0 {
			status.CPUUsage = (sample.cpuTime - prev.cpuTime) / wall
		}
	}
	return status, sample, true
}
