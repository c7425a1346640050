package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/GameNight/internal/pkg/clock"
)

// FireFunc receives due entries. It runs on the loop goroutine and must not
// block; hand real work to a worker pool.
type FireFunc func(Entry)

// Loop waits on the clock until the earliest entry is due, then fires every
// due entry, including any backlog accumulated while the process was down.
type Loop struct {
	name  string
	clock clock.Clock
	queue *Queue
	fire  FireFunc
	wake  chan struct{}
	log   *zap.Logger
}

func NewLoop(name string, c clock.Clock, fire FireFunc, log *zap.Logger) *Loop {
	return &Loop{
		name:  name,
		clock: c,
		queue: NewQueue(),
		fire:  fire,
		wake:  make(chan struct{}, 1),
		log:   log.With(zap.String("loop", name)),
	}
}

func (l *Loop) Queue() *Queue { return l.queue }

// Schedule arms key at t, replacing any previous deadline for key.
func (l *Loop) Schedule(key string, t time.Time) {
	l.queue.Upsert(key, t)
	l.notify()
}

func (l *Loop) Cancel(key string) bool {
	ok := l.queue.Remove(key)
	if ok {
		l.notify()
	}
	return ok
}

func (l *Loop) CancelPrefix(prefix string) int {
	n := l.queue.RemovePrefix(prefix)
	if n > 0 {
		l.notify()
	}
	return n
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Debug("scheduler loop started")
	for {
		for _, e := range l.queue.PopDue(l.clock.Now()) {
			l.fire(e)
		}

		var (
			timer clock.Timer
			fired <-chan time.Time
		)
		if next, ok := l.queue.Peek(); ok {
			timer = l.clock.TimerAt(next.At)
			fired = timer.C()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			l.log.Debug("scheduler loop stopped")
			return ctx.Err()
		case <-l.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-fired:
		}
	}
}
