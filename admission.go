package main

import "github.com/rs/zerolog"

// AdmissionGuard caps the number of concurrently accepted connections. This
// is a static safety valve sized from the container's memory limit (via
// cgroup.go), not a per-client rate limiter — it bounds how many clients may
// be connected at once, the same way a listener backlog bounds pending
// connections, and says nothing about how fast any one client may send.
type AdmissionGuard struct {
	slots chan struct{}
	max   int
}

// NewAdmissionGuard builds a guard for maxConnections slots. If
// maxConnections is 0, the limit is derived from memoryLimit (the
// configured memory_limit_bytes); if that is also 0, it falls back to the
// cgroup-detected memory limit, and finally to a conservative default when
// no limit is detected at all.
func NewAdmissionGuard(maxConnections int, memoryLimit int64, logger zerolog.Logger) *AdmissionGuard {
	if maxConnections == 0 {
		if memoryLimit == 0 {
			var err error
			memoryLimit, err = getMemoryLimit()
			if err != nil || memoryLimit == 0 {
				logger.Warn().Msg("no cgroup memory limit detected, using conservative connection cap")
			}
		}
		maxConnections = calculateMaxConnections(memoryLimit)
		logger.Info().Int("max_connections", maxConnections).Msg("derived max connections from memory limit")
	}
	return &AdmissionGuard{
		slots: make(chan struct{}, maxConnections),
		max:   maxConnections,
	}
}

// TryAcquire attempts to reserve a connection slot without blocking.
func (g *AdmissionGuard) TryAcquire() bool {
	select {
	case g.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a connection slot.
func (g *AdmissionGuard) Release() {
	<-g.slots
}

func (g *AdmissionGuard) Max() int { return g.max }
