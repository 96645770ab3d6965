// Package alerts keeps the short list of user-visible notifications.
package alerts

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Level string

const (
	Info    Level = "info"
	Warning Level = "warning"
	Success Level = "success"
)

const (
	DefaultLimit = 5
	DefaultTTL   = 2 * time.Second
)

type Alert struct {
	ID      string    `json:"id"`
	Level   Level     `json:"type"`
	Message string    `json:"message"`
	Added   time.Time `json:"added"`
}

// Queue holds at most Limit alerts. An alert with the same message as a queued
// one replaces it; alerts older than TTL are dropped on access.
type Queue struct {
	mu     sync.Mutex
	limit  int
	ttl    time.Duration
	now    func() time.Time
	alerts []Alert
}

type Option func(*Queue)

func WithLimit(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.limit = n
		}
	}
}

func WithTTL(d time.Duration) Option {
	return func(q *Queue) { q.ttl = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func NewQueue(opts ...Option) *Queue {
	q := &Queue{limit: DefaultLimit, ttl: DefaultTTL, now: time.Now}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Add queues an alert and returns it.
func (q *Queue) Add(level Level, message string) Alert {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expire()
	kept := q.alerts[:0]
	for _, a := range q.alerts {
		if a.Message != message {
			kept = append(kept, a)
		}
	}
	q.alerts = kept
	a := Alert{ID: uuid.NewString(), Level: level, Message: message, Added: q.now()}
	q.alerts = append(q.alerts, a)
	if over := len(q.alerts) - q.limit; over > 0 {
		q.alerts = append([]Alert(nil), q.alerts[over:]...)
	}
	return a
}

func (q *Queue) AddInfo(message string) Alert    { return q.Add(Info, message) }
func (q *Queue) AddWarning(message string) Alert { return q.Add(Warning, message) }
func (q *Queue) AddSuccess(message string) Alert { return q.Add(Success, message) }

// Remove drops the alert with id.
func (q *Queue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.alerts[:0]
	for _, a := range q.alerts {
		if a.ID != id {
			kept = append(kept, a)
		}
	}
	q.alerts = kept
}

// List returns the live alerts, oldest first.
func (q *Queue) List() []Alert {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expire()
	return append([]Alert(nil), q.alerts...)
}

func (q *Queue) expire() {
	if q.ttl <= 0 {
		return
	}
	now := q.now()
	kept := q.alerts[:0]
	for _, a := range q.alerts {
		if now.Sub(a.Added) < q.ttl {
			kept = append(kept, a)
		}
	}
	q.alerts = kept
}
