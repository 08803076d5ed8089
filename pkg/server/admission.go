package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/modelgate/modelgate/pkg/config"
	"github.com/modelgate/modelgate/pkg/observability"
)

// Admission classes, one limiter per endpoint kind.
const (
	classLLMRun       = "llmRun"
	classLLMStream    = "llmStream"
	classVectorRun    = "vectorRun"
	classVectorStream = "vectorStream"
	classEmbeddingRun = "embeddingRun"
)

// AdmissionError is a request turned away before doing any work: either the
// wait queue was full or the queue timeout expired before a slot freed up.
type AdmissionError struct {
	Class     string
	QueueFull bool
}

func (e *AdmissionError) Error() string {
	if e.QueueFull {
		return "admission queue full for " + e.Class
	}
	return "admission queue timeout for " + e.Class
}

// admission caps concurrent work per class. Beyond the concurrency cap a
// bounded number of requests may wait for a slot, for at most the queue
// timeout.
type admission struct {
	class        string
	slots        *semaphore.Weighted
	queue        chan struct{}
	queueTimeout time.Duration
	metrics      *observability.Metrics
}

func newAdmission(class string, cfg config.AdmissionClassConfig, metrics *observability.Metrics) *admission {
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	return &admission{
		class:        class,
		slots:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		queue:        make(chan struct{}, cfg.QueueSize),
		queueTimeout: cfg.QueueTimeout,
		metrics:      metrics,
	}
}

// Acquire claims one slot, waiting in the queue when none is free. The
// returned release is safe to call once from any goroutine; it must be
// called, possibly deferred past the response, for every successful acquire.
func (a *admission) Acquire(ctx context.Context) (release func(), err error) {
	if a.slots.TryAcquire(1) {
		return a.releaseOnce(), nil
	}

	select {
	case a.queue <- struct{}{}:
	default:
		a.metrics.AdmissionRejected(a.class)
		return nil, &AdmissionError{Class: a.class, QueueFull: true}
	}
	a.metrics.QueueEntered(a.class)
	defer func() {
		<-a.queue
		a.metrics.QueueLeft(a.class)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, a.queueTimeout)
	defer cancel()
	if err := a.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.metrics.AdmissionRejected(a.class)
		return nil, &AdmissionError{Class: a.class}
	}
	return a.releaseOnce(), nil
}

func (a *admission) releaseOnce() func() {
	var once sync.Once
	return func() {
		once.Do(func() { a.slots.Release(1) })
	}
}
