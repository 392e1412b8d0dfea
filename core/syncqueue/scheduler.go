package syncqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trezcool/nexlearn/core"
)

const DefaultInterval = 8 * time.Second

type (
	// Status is a snapshot of the scheduler state.
	Status struct {
		Running     bool        `json:"running"`
		Online      bool        `json:"online"`
		Interval    string      `json:"interval"`
		Pending     int         `json:"pending"`
		LastDrainAt int64       `json:"last_drain_at,omitempty"`
		LastResult  DrainResult `json:"last_result"`
	}

	// Flusher is flushed by the scheduler, like the queue is drained.
	Flusher interface {
		Flush(ctx context.Context) (int, error)
	}

	flusher struct {
		name      string
		f         Flusher
		every     time.Duration
		triggerCh chan struct{}
	}

	// Scheduler drains the queue on a fixed interval and whenever the network comes back online.
	Scheduler struct {
		queue    *SyncQueue
		interval time.Duration
		bus      *core.EventBus
		logger   core.Logger

		mu         sync.RWMutex
		running    bool
		online     bool
		lastDrain  time.Time
		lastResult DrainResult

		triggerCh chan struct{}
		stopCh    chan struct{}
		wg        sync.WaitGroup
		flushers  []*flusher
	}
)

func NewScheduler(queue *SyncQueue, interval time.Duration, bus *core.EventBus, logger core.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		queue:     queue,
		interval:  interval,
		bus:       bus,
		logger:    logger,
		online:    true, // assume online initially
		triggerCh: make(chan struct{}, 1),
	}
}

// AddFlusher flushes f every `every` and whenever the network comes back online.
// It must be called before Start.
func (s *Scheduler) AddFlusher(name string, f Flusher, every time.Duration) {
	if every <= 0 {
		every = s.interval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushers = append(s.flushers, &flusher{name: name, f: f, every: every, triggerCh: make(chan struct{}, 1)})
}

// Start starts the drain loop (and the flush loops). It stops with ctx or Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	flushers := s.flushers
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, s.stopCh)
	for _, fl := range flushers {
		s.wg.Add(1)
		go s.flushLoop(ctx, s.stopCh, fl)
	}

	s.logger.Info(fmt.Sprintf("sync scheduler started (every %v)", s.interval))
}

// Stop stops the drain loop and waits for the running drain (if any) to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("sync scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.DrainNow(ctx)
		case <-s.triggerCh:
			s.DrainNow(ctx)
		}
	}
}

func (s *Scheduler) flushLoop(ctx context.Context, stopCh <-chan struct{}, fl *flusher) {
	defer s.wg.Done()

	ticker := time.NewTicker(fl.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.flush(ctx, fl)
		case <-fl.triggerCh:
			s.flush(ctx, fl)
		}
	}
}

// flush logs at debug level only: the logger may be what feeds the flusher.
func (s *Scheduler) flush(ctx context.Context, fl *flusher) {
	n, err := fl.f.Flush(ctx)
	if err != nil {
		s.logger.Debug(fmt.Sprintf("flushing %s: %v", fl.name, err))
		return
	}
	if n > 0 {
		s.logger.Debug(fmt.Sprintf("flushed %d %s", n, fl.name))
	}
}

// SetOnline records the network status. Going from offline to online triggers a drain.
func (s *Scheduler) SetOnline(online bool) {
	s.mu.Lock()
	wasOnline := s.online
	s.online = online
	s.mu.Unlock()

	if wasOnline == online {
		return
	}
	s.logger.Info(fmt.Sprintf("network status changed: online=%v", online))
	s.bus.Publish(core.EventSyncOnlineChanged, map[string]bool{"online": online})

	if online {
		select {
		case s.triggerCh <- struct{}{}:
		default: // a drain is already pending
		}
		s.mu.RLock()
		for _, fl := range s.flushers {
			select {
			case fl.triggerCh <- struct{}{}:
			default:
			}
		}
		s.mu.RUnlock()
	}
}

// DrainNow drains the queue on the caller's goroutine.
func (s *Scheduler) DrainNow(ctx context.Context) DrainResult {
	res := s.queue.Drain(ctx)

	s.mu.Lock()
	s.lastDrain = s.queue.now()
	s.lastResult = res
	s.mu.Unlock()
	return res
}

func (s *Scheduler) Status() Status {
	s.mu.RLock()
	st := Status{
		Running:    s.running,
		Online:     s.online,
		Interval:   s.interval.String(),
		LastResult: s.lastResult,
	}
	if !s.lastDrain.IsZero() {
		st.LastDrainAt = core.UnixMilli(s.lastDrain)
	}
	s.mu.RUnlock()

	st.Pending = s.queue.Size()
	return st
}
