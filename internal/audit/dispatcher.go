package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds routine events when the queue is full. Alerts are never shed.
	DropIfFull bool
}

// Dispatcher queues events and hands them to a sink on one background goroutine, so a
// slow sink never sits on the sign-in path.
type Dispatcher struct {
	cfg  Config
	sink Sink

	mu     sync.RWMutex // guards closed against sends racing close(queue)
	closed bool
	queue  chan Event
	idle   chan struct{}

	dropped      atomic.Uint64
	alertsQueued atomic.Uint64
}

// NewDispatcher starts a dispatcher. A disabled config yields nil, and every method is
// safe on a nil dispatcher.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	d := &Dispatcher{
		cfg:   cfg,
		sink:  sink,
		queue: make(chan Event, max(cfg.BufferSize, 1)),
		idle:  make(chan struct{}),
	}
	go d.deliver()
	return d
}

func (d *Dispatcher) deliver() {
	defer close(d.idle)
	for ev := range d.queue {
		d.sink.Emit(context.Background(), ev)
	}
}

// Emit queues ev. Alerts, and every event when DropIfFull is off, wait for room until
// ctx ends; other events are counted as dropped when the queue is full.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if d == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	if d.cfg.DropIfFull && !ev.Alert {
		select {
		case d.queue <- ev:
		default:
			d.dropped.Add(1)
		}
		return
	}
	select {
	case d.queue <- ev:
		if ev.Alert {
			d.alertsQueued.Add(1)
		}
	case <-ctx.Done():
		d.dropped.Add(1)
	}
}

// Close stops intake and waits until every queued event reached the sink.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.idle
}

// Dropped reports events discarded because the queue was full or the caller gave up.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Alerts reports how many alert events were accepted.
func (d *Dispatcher) Alerts() uint64 {
	if d == nil {
		return 0
	}
	return d.alertsQueued.Load()
}
