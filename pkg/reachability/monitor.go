package reachability

import (
	"context"
	"sync"
	"time"

	"github.com/smith3v/flashsync/pkg/logger"
)

type Edge int

const (
	BecameUnreachable Edge = iota
	BecameReachable
)

func (e Edge) String() string {
	if e == BecameReachable {
		return "reachable"
	}
	return "unreachable"
}

// Monitor holds the current reachability and fans out transitions. Setting
// the same value twice emits nothing.
type Monitor struct {
	mu          sync.Mutex
	reachable   bool
	subscribers map[int]chan Edge
	nextID      int
}

func NewMonitor(initial bool) *Monitor {
	return &Monitor{
		reachable:   initial,
		subscribers: map[int]chan Edge{},
	}
}

func (m *Monitor) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

// Set records the current state and reports whether it changed.
func (m *Monitor) Set(reachable bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reachable == reachable {
		return false
	}
	m.reachable = reachable

	edge := BecameUnreachable
	if reachable {
		edge = BecameReachable
	}
	logger.Info("reachability changed", "state", edge)
	for _, ch := range m.subscribers {
		select {
		case ch <- edge:
		default:
			// Subscriber is behind; drop the oldest edge so the newest wins.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- edge:
			default:
			}
		}
	}
	return true
}

// Subscribe returns a channel of transitions and a function that releases it.
// The channel is buffered by one and always ends up holding the newest edge.
func (m *Monitor) Subscribe() (<-chan Edge, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan Edge, 1)
	m.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subscribers, id)
		})
	}
}

// Checker answers whether the remote can be reached right now.
type Checker interface {
	Probe(ctx context.Context) error
}

// StartProber polls checker every interval and feeds the monitor until ctx
// ends. The first probe runs immediately.
func StartProber(ctx context.Context, monitor *Monitor, checker Checker, interval, timeout time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}

	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := checker.Probe(probeCtx)
		if err != nil && ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Debug("reachability probe failed", "error", err)
		}
		monitor.Set(err == nil)
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
