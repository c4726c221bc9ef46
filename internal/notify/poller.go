package notify

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultPollInterval is how often the poller checks for pending
	// messages when the config does not say otherwise.
	DefaultPollInterval = 2 * time.Second

	// pollChunk keeps Stop responsive: long intervals sleep in small
	// slices so shutdown never waits a full interval.
	pollChunk = 100 * time.Millisecond
)

// PendingCounts is a snapshot of what the poller last saw.
type PendingCounts struct {
	Direct  int
	Channel int
}

// Poller watches the message store for an agent and signals readiness on a
// pipe so callers can multiplex it with other file descriptors.
type Poller struct {
	store    *Store
	agentID  string
	interval time.Duration

	notifyR *os.File
	notifyW *os.File

	mu     sync.Mutex
	counts PendingCounts

	hasPending atomic.Bool
	running    atomic.Bool
	stop       chan struct{}
	done       chan struct{}
}

func NewPoller(store *Store, agentID string, interval time.Duration) (*Poller, error) {
	if store == nil {
		return nil, errors.New("nil store")
	}
	if agentID == "" {
		return nil, errors.New("missing agent id")
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &Poller{
		store:    store,
		agentID:  agentID,
		interval: interval,
		notifyR:  r,
		notifyW:  w,
	}, nil
}

// Start launches the polling goroutine. Starting twice is a no-op.
func (p *Poller) Start() {
	if p == nil || !p.running.CompareAndSwap(false, true) {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop()
}

// Stop halts polling and waits for the goroutine to exit.
func (p *Poller) Stop() {
	if p == nil || !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stop)
	<-p.done
}

// Close stops the poller and releases the notification pipe.
func (p *Poller) Close() {
	if p == nil {
		return
	}
	p.Stop()
	if p.notifyR != nil {
		p.notifyR.Close()
	}
	if p.notifyW != nil {
		p.notifyW.Close()
	}
}

func (p *Poller) loop() {
	defer close(p.done)
	for {
		remaining := p.interval
		for remaining > 0 {
			chunk := remaining
			if chunk > pollChunk {
				chunk = pollChunk
			}
			select {
			case <-p.stop:
				return
			case <-time.After(chunk):
			}
			remaining -= chunk
		}

		directPending, err := p.store.HasPendingDirect(p.agentID)
		if err != nil {
			continue
		}
		channelPending, err := p.store.HasPendingChannel(p.agentID)
		if err != nil {
			continue
		}
		if !directPending && !channelPending {
			continue
		}

		p.mu.Lock()
		p.counts = PendingCounts{}
		if directPending {
			p.counts.Direct = 1
		}
		if channelPending {
			p.counts.Channel = 1
		}
		p.mu.Unlock()

		// Always send while messages are pending, even if the flag is
		// already set. ClearNotification can drain the pipe between our
		// check and the flag store; resending keeps pipe and flag in
		// step.
		p.notifyW.SetWriteDeadline(time.Now().Add(10 * time.Millisecond))
		if _, err := p.notifyW.Write([]byte{'M'}); err == nil {
			p.hasPending.Store(true)
		}
	}
}

// NotifyFD is the readable end of the notification pipe; it becomes ready
// whenever pending messages are detected.
func (p *Poller) NotifyFD() int {
	if p == nil || p.notifyR == nil {
		return -1
	}
	return int(p.notifyR.Fd())
}

// Pending returns the counts seen on the last poll that found messages.
func (p *Poller) Pending() PendingCounts {
	if p == nil {
		return PendingCounts{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts
}

// HasPending reports whether a notification has been raised and not cleared.
func (p *Poller) HasPending() bool {
	return p != nil && p.hasPending.Load()
}

// ClearNotification drains the pipe and resets the pending state. Call after
// consuming the messages; the poller re-raises if anything is still unread.
func (p *Poller) ClearNotification() {
	if p == nil {
		return
	}
	buf := make([]byte, 64)
	for {
		p.notifyR.SetReadDeadline(time.Now())
		n, err := p.notifyR.Read(buf)
		if n < len(buf) || err != nil {
			break
		}
	}
	p.notifyR.SetReadDeadline(time.Time{})

	p.hasPending.Store(false)
	p.mu.Lock()
	p.counts = PendingCounts{}
	p.mu.Unlock()
}
