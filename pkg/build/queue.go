package build

import (
	"context"
	"sync"

	"github.com/forgelet/forgelet/pkg/storage"
	"github.com/sirupsen/logrus"
)

// Queue accepts build submissions, enforces admission control, and runs
// a single scheduler goroutine that hands queued records to the worker
// strictly in submission order. Exactly one build executes at a time:
// native mobile toolchains mutate machine-global SDK state, so
// concurrent invocations are unsafe.
type Queue interface {
	Start(ctx context.Context) error
	Stop() error

	// Submit validates the options and enqueues a new build. It
	// returns the assigned build number immediately; execution is
	// asynchronous. When queued plus building records are at the
	// admission ceiling it fails with ErrQueueFull without allocating
	// a number.
	Submit(ctx context.Context, opts Options) (uint64, error)
}

// QueueConfig contains admission control settings.
type QueueConfig struct {
	MaxBuildsInQueue int
}

// NewQueue creates a queue. The evictor may be nil, in which case no
// retention trimming happens after builds finish.
func NewQueue(
	log logrus.FieldLogger,
	cfg *QueueConfig,
	registry *Registry,
	store storage.Store,
	worker Worker,
	evictor Evictor,
) Queue {
	return &queue{
		log:      log.WithField("component", "queue"),
		cfg:      cfg,
		registry: registry,
		store:    store,
		worker:   worker,
		evictor:  evictor,
		next:     1,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

type queue struct {
	log      logrus.FieldLogger
	cfg      *QueueConfig
	registry *Registry
	store    storage.Store
	worker   Worker
	evictor  Evictor

	mu   sync.Mutex
	fifo []*Record
	next uint64

	notify   chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Ensure interface compliance.
var _ Queue = (*queue)(nil)

// Start launches the scheduler goroutine.
func (q *queue) Start(ctx context.Context) error {
	q.wg.Add(1)

	go q.loop(ctx)

	q.log.WithField("max_builds_in_queue", q.cfg.MaxBuildsInQueue).
		Debug("Scheduler started")

	return nil
}

// Stop halts the scheduler. The in-flight build, if any, is asked to
// terminate; records still queued are abandoned in place.
func (q *queue) Stop() error {
	q.stopOnce.Do(func() {
		close(q.done)

		// Signal the running toolchain process so the scheduler loop
		// can finish its current Run call.
		for _, rec := range q.registry.All() {
			if h := rec.Handle(); h != nil {
				q.log.WithField("build", rec.Number()).
					Info("Terminating in-flight build")

				if err := h.Terminate(); err != nil {
					q.log.WithError(err).
						Warn("Failed to terminate in-flight build")
				}
			}
		}
	})

	q.wg.Wait()

	q.log.Debug("Scheduler stopped")

	return nil
}

// Submit validates, admits, and enqueues a build request.
func (q *queue) Submit(_ context.Context, opts Options) (uint64, error) {
	if err := opts.Validate(); err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// Admission control happens before a number is allocated so a
	// rejected submission leaves no trace.
	if q.registry.CountActive() >= q.cfg.MaxBuildsInQueue {
		return 0, ErrQueueFull
	}

	number := q.next

	// Working directory and log file are created before registration
	// and exist for the record's entire registry lifetime.
	workDir, logPath, err := q.store.Provision(number)
	if err != nil {
		return 0, err
	}

	q.next++

	rec := newRecord(number, opts, workDir, logPath)
	q.registry.register(rec)
	q.fifo = append(q.fifo, rec)

	select {
	case q.notify <- struct{}{}:
	default:
	}

	q.log.WithFields(logrus.Fields{
		"build":    number,
		"platform": opts.Platform,
	}).Info("Build queued")

	return number, nil
}

// pop removes and returns the FIFO head, or nil when it is empty.
func (q *queue) pop() *Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.fifo) == 0 {
		return nil
	}

	rec := q.fifo[0]
	q.fifo = q.fifo[1:]

	return rec
}

// loop is the single logical thread of control driving builds. Running
// the worker synchronously here is what guarantees at most one record
// is ever building.
func (q *queue) loop(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-q.done:
			return
		case <-ctx.Done():
			return
		case <-q.notify:
		}

		for {
			select {
			case <-q.done:
				return
			case <-ctx.Done():
				return
			default:
			}

			rec := q.pop()
			if rec == nil {
				break
			}

			q.worker.Run(ctx, rec)

			if q.evictor != nil {
				q.evictor.Trim(ctx)
			}
		}
	}
}
