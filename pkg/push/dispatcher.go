package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wirtbot/pkg/model"
)

type lane struct {
	kind     Kind
	wake     chan struct{}
	pending  *Update
	inflight bool
	sent     uint64 // highest revision delivered
}

// Dispatcher runs one worker per kind. A lane holds at most one pending update
// and only a newer revision replaces it, so an older text is never delivered
// after a newer one. A failed delivery leaves sent untouched; the next enqueue
// of the same or a newer revision retries it.
type Dispatcher struct {
	pusher   Pusher
	onResult func(Result)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	lanes  map[Kind]*lane
	idle   chan struct{}
	closed bool
}

// NewDispatcher starts the lane workers. onResult, if set, sees every attempt;
// failed attempts carry an error wrapping ErrPushFailed.
func NewDispatcher(p Pusher, onResult func(Result)) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		pusher:   p,
		onResult: onResult,
		ctx:      ctx,
		cancel:   cancel,
		lanes:    make(map[Kind]*lane, len(Kinds)),
		idle:     make(chan struct{}),
	}
	close(d.idle)
	for _, k := range Kinds {
		l := &lane{kind: k, wake: make(chan struct{}, 1)}
		d.lanes[k] = l
		d.wg.Add(1)
		go d.run(l)
	}
	return d
}

// Enqueue schedules u. It reports false when u is older than what the lane
// already sent or holds.
func (d *Dispatcher) Enqueue(u Update) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lanes[u.Kind]
	if !ok || d.closed {
		return false
	}
	if u.Revision <= l.sent || (l.pending != nil && u.Revision < l.pending.Revision) {
		return false
	}
	l.pending = &u
	d.markBusy()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Sent returns the newest revision delivered for kind.
func (d *Dispatcher) Sent(kind Kind) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.lanes[kind]; ok {
		return l.sent
	}
	return 0
}

// Wait blocks until every lane is drained and its results are reported.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the workers. Pending updates are dropped and an in-flight push
// sees its context cancelled.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
	d.mu.Lock()
	for _, l := range d.lanes {
		l.pending = nil
	}
	d.settle()
	d.mu.Unlock()
}

func (d *Dispatcher) run(l *lane) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-l.wake:
		}
		for {
			d.mu.Lock()
			u := l.pending
			l.pending = nil
			if u == nil || d.closed {
				d.settle()
				d.mu.Unlock()
				break
			}
			l.inflight = true
			d.mu.Unlock()

			err := d.pusher.Push(d.ctx, *u)
			res := Result{Kind: u.Kind, Revision: u.Revision, Host: u.Host, At: time.Now()}
			d.mu.Lock()
			if err == nil {
				if u.Revision > l.sent {
					l.sent = u.Revision
				}
			} else {
				res.Err = fmt.Errorf("%w: %s rev %d to %s: %w", model.ErrPushFailed, u.Kind, u.Revision, u.Host, err)
			}
			d.mu.Unlock()

			if d.onResult != nil {
				d.onResult(res)
			}

			d.mu.Lock()
			l.inflight = false
			d.settle()
			d.mu.Unlock()
		}
	}
}

// markBusy and settle keep idle open while any lane has work. Callers hold mu.
func (d *Dispatcher) markBusy() {
	select {
	case <-d.idle:
		d.idle = make(chan struct{})
	default:
	}
}

func (d *Dispatcher) settle() {
	for _, l := range d.lanes {
		if l.pending != nil || l.inflight {
			return
		}
	}
	select {
	case <-d.idle:
	default:
		close(d.idle)
	}
}
