// Package reliability implements the reliable-request manager (§4.3): a
// UID-keyed retry loop that resends a request on a fixed period until either
// an acknowledgement arrives (Complete) or the attempt budget is exhausted,
// at which point the caller's failure callback fires exactly once.
package reliability

import (
	"sync"
	"time"
)

const (
	// DefaultPeriod is the resend interval between attempts (§4.3).
	DefaultPeriod = 1500 * time.Millisecond
	// DefaultMaxAttempts bounds how many times a request is sent before
	// giving up (§4.3 allows 3-5; the spec's upper bound is used by default).
	DefaultMaxAttempts = 5
)

type task struct {
	period      time.Duration
	maxAttempts int
	attempts    int
	send        func()
	onSuccess   func()
	onFailure   func()
	stopCh      chan struct{}
	done        bool
}

// Manager tracks one in-flight retry task per UID. Registering a UID that is
// already tracked is rejected so a caller can't silently clobber an
// outstanding request.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

// New creates an empty reliable-request manager.
func New() *Manager {
	return &Manager{tasks: make(map[string]*task)}
}

// Options configures one tracked request.
type Options struct {
	Period      time.Duration
	MaxAttempts int
	// Send is invoked immediately and then on every retry tick until
	// Complete(uid) is called or attempts are exhausted.
	Send func()
	// OnFailure fires once, off the caller's goroutine, when MaxAttempts is
	// reached without a Complete call.
	OnFailure func()
	// OnSuccess fires once if Complete(uid) is called before exhaustion.
	OnSuccess func()
}

// Track registers uid and starts sending immediately. Returns false without
// starting anything if uid is already tracked.
func (m *Manager) Track(uid string, opts Options) bool {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}

	m.mu.Lock()
	if _, exists := m.tasks[uid]; exists {
		m.mu.Unlock()
		return false
	}
	t := &task{
		period:      opts.Period,
		maxAttempts: opts.MaxAttempts,
		send:        opts.Send,
		onSuccess:   opts.OnSuccess,
		onFailure:   opts.OnFailure,
		stopCh:      make(chan struct{}),
	}
	m.tasks[uid] = t
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(uid, t)
	return true
}

func (m *Manager) run(uid string, t *task) {
	defer m.wg.Done()

	t.attempts++
	t.send()

	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			if t.attempts >= t.maxAttempts {
				m.finish(uid, t, false)
				return
			}
			t.attempts++
			t.send()
		}
	}
}

// Complete acknowledges uid, stopping retries and firing OnSuccess. Returns
// false if uid was not tracked (already completed, exhausted, or unknown —
// callers should treat this as a harmless late/duplicate ack).
func (m *Manager) Complete(uid string) bool {
	m.mu.Lock()
	t, ok := m.tasks[uid]
	if ok {
		delete(m.tasks, uid)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	close(t.stopCh)
	if t.onSuccess != nil {
		t.onSuccess()
	}
	return true
}

func (m *Manager) finish(uid string, t *task, success bool) {
	m.mu.Lock()
	if cur, ok := m.tasks[uid]; !ok || cur != t {
		m.mu.Unlock()
		return // already completed/replaced concurrently
	}
	delete(m.tasks, uid)
	m.mu.Unlock()

	if success {
		if t.onSuccess != nil {
			t.onSuccess()
		}
	} else if t.onFailure != nil {
		t.onFailure()
	}
}

// Cancel stops tracking uid without firing either callback (e.g. shutdown).
func (m *Manager) Cancel(uid string) {
	m.mu.Lock()
	t, ok := m.tasks[uid]
	if ok {
		delete(m.tasks, uid)
	}
	m.mu.Unlock()
	if ok {
		close(t.stopCh)
	}
}

// Pending reports whether uid currently has an outstanding retry task.
func (m *Manager) Pending(uid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[uid]
	return ok
}

// Stop cancels every tracked task without firing callbacks and joins their
// goroutines within a bounded time.
func (m *Manager) Stop() {
	m.mu.Lock()
	for uid, t := range m.tasks {
		delete(m.tasks, uid)
		close(t.stopCh)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() { m.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}
}
