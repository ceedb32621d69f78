// Package worker drains one queue lane forever.
//
// A Pool runs several workers against the same lane; concurrency across
// lanes comes from running more worker processes, each single-job-at-a-time.
// The handler registry is an explicit map built at startup and handed to the
// pool; there is no ambient global registration.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/treeline/backstop/models"
	"github.com/treeline/backstop/queue"
)

const defaultSleepFactor = 2

// 10ms * 2^10 ~ 10 seconds between claim attempts on an idle lane
var maxMultiplier = math.Pow(2, 10)

// A Handler executes one type of job. Implementations may be shared between
// workers and must be safe for concurrent use.
//
// Execute receives the queue handle solely to report progress. The context
// is the worker's cancellation token: it is cancelled when the pool's
// shutdown grace period expires, and long-running handlers should observe
// it and return early. Returning an error fails the job with the error text
// recorded verbatim.
type Handler interface {
	Execute(ctx context.Context, job *models.Job, q *queue.Queue) (string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *models.Job, q *queue.Queue) (string, error)

func (f HandlerFunc) Execute(ctx context.Context, job *models.Job, q *queue.Queue) (string, error) {
	return f(ctx, job, q)
}

var emptyPool = errors.New("worker: no workers left in the pool")
var poolShutdown = errors.New("worker: cannot add a worker because the pool is shutting down")

// ErrShutdownTimeout is returned by Shutdown when in-flight jobs did not
// finish within the grace period.
var ErrShutdownTimeout = errors.New("worker: shutdown grace period elapsed with jobs in flight")

// A Pool is a set of workers all draining the same lane.
type Pool struct {
	Lane    string
	workers []*worker

	q        *queue.Queue
	handlers map[string]Handler

	ctx    context.Context
	cancel context.CancelFunc

	receivedShutdownSignal bool
	mu                     sync.Mutex
	wg                     sync.WaitGroup
}

// NewPool creates a pool draining the given lane. handlers maps job types
// to their handlers; a claimed job whose type is missing from the map is
// failed immediately as a configuration error.
func NewPool(lane string, q *queue.Queue, handlers map[string]Handler) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		Lane:     lane,
		q:        q,
		handlers: handlers,
		ctx:      ctx,
		cancel:   cancel,
	}
}

type worker struct {
	id       string
	quitChan chan bool
	// How long to sleep if there is no work to do.
	sleepFactor float64
}

// Add starts count additional workers on the pool's lane.
func (p *Pool) Add(count int) error {
	for i := 0; i < count; i++ {
		if err := p.addWorker(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) addWorker() error {
	if p.receivedShutdownSignal {
		return poolShutdown
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	w := &worker{
		id:          fmt.Sprintf("%s-%d-%s", p.Lane, len(p.workers)+1, uuid.NewString()[:8]),
		quitChan:    make(chan bool, 1),
		sleepFactor: defaultSleepFactor,
	}
	p.workers = append(p.workers, w)
	p.wg.Add(1)
	go p.work(w)
	return nil
}

func (p *Pool) removeWorker() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) == 0 {
		return emptyPool
	}
	w := p.workers[0]
	p.workers = append(p.workers[:0], p.workers[1:]...)
	w.quitChan <- true
	close(w.quitChan)
	return nil
}

// Shutdown stops all workers: no new jobs are claimed, and in-flight jobs
// get the grace period to finish before the pool cancels their contexts.
// Returns ErrShutdownTimeout if the grace period elapsed first.
func (p *Pool) Shutdown(grace time.Duration) error {
	p.receivedShutdownSignal = true
	count := len(p.workers)
	for i := 0; i < count; i++ {
		if err := p.removeWorker(); err != nil {
			return err
		}
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		p.cancel()
		return ErrShutdownTimeout
	}
}

// jitter returns a value that's around the given val, but not exactly it.
// The jitter is randomly chosen between 0.8 and 1.2 times the given value,
// evenly distributed.
func jitter(val float64) float64 {
	return val*0.8 + rand.Float64()*0.2*2*val
}

// work is one worker's claim loop. The loop itself must survive anything a
// handler does: errors and panics settle the job as failed and the loop
// moves on to the next claim.
func (p *Pool) work(w *worker) {
	defer p.wg.Done()
	failedClaimCount := 0
	waitDuration := time.Duration(jitter(float64(500 * time.Millisecond)))
	for {
		select {
		case <-w.quitChan:
			log.Info().Str("worker", w.id).Msg("worker quitting")
			return

		case <-time.After(waitDuration):
			start := time.Now()
			job, err := p.q.ClaimNext(p.Lane)
			go metrics.Time("claim.latency", time.Since(start))
			if err != nil {
				// Empty lane or a lost race; the loser just waits
				// for the next tick, it is not an error.
				failedClaimCount++
				multiplier := math.Pow(w.sleepFactor, float64(failedClaimCount))
				if multiplier > maxMultiplier {
					multiplier = maxMultiplier
				}
				waitDuration = 10 * time.Duration(jitter(multiplier)) * time.Millisecond
				continue
			}
			failedClaimCount = 0
			waitDuration = time.Duration(0)
			p.execute(w, job)
		}
	}
}

// execute runs the handler for one claimed job and settles the result.
func (p *Pool) execute(w *worker, job *models.Job) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		// Configuration error: fail fast so the lane is not blocked by
		// a job nothing can execute.
		msg := fmt.Sprintf("no handler registered for job type %q", job.Type)
		log.Error().Str("worker", w.id).Int64("job_id", job.ID).Str("type", job.Type).
			Msg("worker: " + msg)
		go metrics.Increment(fmt.Sprintf("dequeue.%s.unregistered", job.Type))
		if err := p.q.Fail(job, msg); err != nil {
			log.Error().Err(err).Int64("job_id", job.ID).Msg("worker: could not fail job")
		}
		return
	}

	log.Info().Str("worker", w.id).Int64("job_id", job.ID).Str("type", job.Type).
		Uint8("attempt", job.Attempts).Msg("processing job")
	start := time.Now()
	output, err := p.invoke(handler, job)
	go metrics.Time(fmt.Sprintf("dequeue.%s.latency", job.Type), time.Since(start))

	if err != nil {
		log.Error().Err(err).Str("worker", w.id).Int64("job_id", job.ID).Str("type", job.Type).
			Msg("job failed")
		go metrics.Increment(fmt.Sprintf("dequeue.%s.error", job.Type))
		if ferr := p.q.Fail(job, err.Error()); ferr != nil {
			log.Error().Err(ferr).Int64("job_id", job.ID).Msg("worker: could not fail job")
		}
		return
	}
	go metrics.Increment(fmt.Sprintf("dequeue.%s.success", job.Type))
	if cerr := p.q.Complete(job, output); cerr != nil {
		log.Error().Err(cerr).Int64("job_id", job.ID).Msg("worker: could not complete job")
	}
}

// invoke calls the handler, converting a panic into an error so a broken
// handler cannot take the worker loop down with it.
func (p *Pool) invoke(h Handler, job *models.Job) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Execute(p.ctx, job, p.q)
}

// NumWorkers returns the number of workers currently in the pool.
func (p *Pool) NumWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
