// Package projector pushes the current state of documents into the external
// memory sink. Pushes are bounded and retried; a failed push never affects
// the committed document.
package projector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"mnemo/internal/format"
	"mnemo/internal/metrics"
	"mnemo/internal/reconcile"
	"mnemo/internal/sink"
)

type Strategy string

const (
	StrategyOverwrite Strategy = "overwrite"
	StrategyAppend    Strategy = "append"
	StrategyReconcile Strategy = "reconcile"
)

func ParseStrategy(value string) (Strategy, error) {
	switch Strategy(value) {
	case "", StrategyOverwrite:
		return StrategyOverwrite, nil
	case StrategyAppend, StrategyReconcile:
		return Strategy(value), nil
	}
	return "", fmt.Errorf("unknown sync strategy %q", value)
}

// Result describes what a successful push did to the sink.
type Result string

const (
	ResultCreated   Result = "created"
	ResultUpdated   Result = "updated"
	ResultUnchanged Result = "unchanged"
	// ResultSkipped means the sink already holds a newer version.
	ResultSkipped Result = "skipped"
)

const maxRetryDelay = time.Minute

type Options struct {
	Strategy      Strategy
	Timeout       time.Duration
	MaxAttempts   int
	Backoff       time.Duration
	RatePerSecond float64
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = StrategyOverwrite
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff < 0 {
		o.Backoff = 0
	}
	return o
}

// SyncError reports a push that exhausted its retry budget.
type SyncError struct {
	SubjectID    string
	DocumentName string
	Attempts     int
	Err          error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s/%s failed after %d attempts: %v", e.SubjectID, e.DocumentName, e.Attempts, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

type queueKey struct {
	subjectID    string
	documentName string
}

type queuedPush struct {
	doc       format.Document
	sequence  int
	backoff   *backoff.ExponentialBackOff
	notBefore time.Time
}

// Loader returns the current document and its version sequence. The
// background worker uses it so a retry always projects the head.
type Loader func(ctx context.Context, subjectID, documentName string) (format.Document, int, error)

type Projector struct {
	sink       sink.Sink
	reconciler reconcile.Reconciler
	opts       Options
	limiter    *rate.Limiter
	logger     *slog.Logger

	mu       sync.Mutex
	loader   Loader
	queue    map[queueKey]*queuedPush
	pushed   map[queueKey]int
	keyLocks map[queueKey]*sync.Mutex
	wake     chan struct{}
}

// New builds a projector. reconciler may be nil; the reconcile strategy then
// behaves like overwrite.
func New(target sink.Sink, reconciler reconcile.Reconciler, opts Options, logger *slog.Logger) *Projector {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	burst := 1
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
		burst = max(1, int(opts.RatePerSecond))
	}
	return &Projector{
		sink:       target,
		reconciler: reconciler,
		opts:       opts,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
		queue:      make(map[queueKey]*queuedPush),
		pushed:     make(map[queueKey]int),
		keyLocks:   make(map[queueKey]*sync.Mutex),
		wake:       make(chan struct{}, 1),
	}
}

// SetLoader makes background retries re-read the current document instead
// of replaying the queued snapshot.
func (p *Projector) SetLoader(loader Loader) {
	p.mu.Lock()
	p.loader = loader
	p.mu.Unlock()
}

// Push projects version sequence of a document into the sink, retrying up
// to MaxAttempts times. Pushes for one document are serialized, and a
// version older than one already projected is skipped. Any error is a
// *SyncError; when ctx ends first it wraps the context's cause.
func (p *Projector) Push(ctx context.Context, subjectID, documentName string, sequence int, doc format.Document) (Result, error) {
	key := queueKey{subjectID, documentName}
	unlock := p.lockKey(key)
	defer unlock()

	if p.isSuperseded(key, sequence) {
		p.logger.Debug("skipped stale push", "subject", subjectID, "document", documentName, "sequence", sequence)
		return ResultSkipped, nil
	}
	result, err := p.pushWithRetry(ctx, key, doc)
	if err != nil {
		return "", err
	}
	p.markPushed(key, sequence)
	return result, nil
}

func (p *Projector) pushWithRetry(ctx context.Context, key queueKey, doc format.Document) (Result, error) {
	flat := Flatten(doc)
	attempts := 0
	result, err := backoff.Retry(ctx, func() (Result, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
		start := time.Now()
		result, err := p.pushOnce(attemptCtx, key.subjectID, key.documentName, flat)
		metrics.SyncAttemptDuration.Observe(time.Since(start).Seconds())
		return result, err
	},
		backoff.WithBackOff(newRetryPolicy(p.opts.Backoff)),
		backoff.WithMaxTries(uint(p.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("push attempt failed",
				"subject", key.subjectID, "document", key.documentName,
				"attempt", attempts, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		metrics.SyncPushesTotal.WithLabelValues("failed").Inc()
		return "", &SyncError{SubjectID: key.subjectID, DocumentName: key.documentName, Attempts: attempts, Err: err}
	}
	metrics.SyncPushesTotal.WithLabelValues(string(result)).Inc()
	p.logger.Debug("projected document", "subject", key.subjectID, "document", key.documentName, "result", result, "attempts", attempts)
	return result, nil
}

func (p *Projector) pushOnce(ctx context.Context, subjectID, documentName, flat string) (Result, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	records, err := p.sink.ListRecords(ctx, subjectID)
	if err != nil {
		return "", fmt.Errorf("list records: %w", err)
	}

	var existing *sink.Record
	for i := range records {
		if records[i].Key == documentName {
			existing = &records[i]
			break
		}
	}

	if existing == nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", err
		}
		if _, err := p.sink.CreateRecord(ctx, subjectID, documentName, flat); err != nil {
			return "", fmt.Errorf("create record: %w", err)
		}
		return ResultCreated, nil
	}

	target := p.merge(ctx, existing.Value, flat)
	if target == existing.Value {
		return ResultUnchanged, nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	if err := p.sink.UpdateRecord(ctx, existing.ID, target); err != nil {
		return "", fmt.Errorf("update record: %w", err)
	}
	return ResultUpdated, nil
}

func (p *Projector) merge(ctx context.Context, existing, flat string) string {
	switch p.opts.Strategy {
	case StrategyAppend:
		return appendLines(existing, flat)
	case StrategyReconcile:
		if p.reconciler == nil || existing == flat {
			return flat
		}
		merged, err := p.reconciler.Reconcile(ctx, existing, flat)
		if err != nil {
			p.logger.Warn("reconcile failed, overwriting", "error", err)
			return flat
		}
		return merged
	default:
		return flat
	}
}

func (p *Projector) lockKey(key queueKey) func() {
	p.mu.Lock()
	lock, ok := p.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		p.keyLocks[key] = lock
	}
	p.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (p *Projector) isSuperseded(key queueKey, sequence int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.pushed[key]
	return ok && last > sequence
}

// markPushed records the projected sequence and drops queued pushes it
// makes obsolete.
func (p *Projector) markPushed(key queueKey, sequence int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.pushed[key]; !ok || sequence > last {
		p.pushed[key] = sequence
	}
	if queued, ok := p.queue[key]; ok && queued.sequence <= sequence {
		delete(p.queue, key)
	}
	metrics.SyncQueueDepth.Set(float64(len(p.queue)))
}

// Enqueue schedules a background push. A queued push is only replaced by a
// newer version, and versions already projected are ignored.
func (p *Projector) Enqueue(subjectID, documentName string, sequence int, doc format.Document) {
	key := queueKey{subjectID, documentName}
	p.mu.Lock()
	if last, ok := p.pushed[key]; ok && last >= sequence {
		p.mu.Unlock()
		return
	}
	if queued, ok := p.queue[key]; ok && queued.sequence > sequence {
		p.mu.Unlock()
		return
	}
	p.queue[key] = &queuedPush{doc: doc.Clone(), sequence: sequence, backoff: newRetryPolicy(max(p.opts.Backoff, 100*time.Millisecond))}
	metrics.SyncQueueDepth.Set(float64(len(p.queue)))
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Pending reports how many documents wait for a background push.
func (p *Projector) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Run drains the queue until ctx ends. Failed pushes are retried with
// exponential backoff capped at one minute.
func (p *Projector) Run(ctx context.Context) error {
	interval := max(p.opts.Backoff, 100*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
		case <-ticker.C:
		}
		p.drain(ctx, false)
	}
}

// Flush pushes every queued document once, ignoring backoff, and returns
// how many are still queued afterwards.
func (p *Projector) Flush(ctx context.Context) int {
	p.drain(ctx, true)
	return p.Pending()
}

func (p *Projector) drain(ctx context.Context, force bool) {
	now := time.Now()
	p.mu.Lock()
	loader := p.loader
	ready := make(map[queueKey]queuedPush)
	for key, item := range p.queue {
		if force || !now.Before(item.notBefore) {
			ready[key] = *item
		}
	}
	p.mu.Unlock()

	for key, item := range ready {
		if ctx.Err() != nil {
			return
		}
		doc, sequence := item.doc, item.sequence
		var err error
		if loader != nil {
			var head format.Document
			var headSequence int
			head, headSequence, err = loader(ctx, key.subjectID, key.documentName)
			if err == nil && headSequence >= sequence {
				doc, sequence = head, headSequence
			}
		}
		if err == nil {
			_, err = p.Push(ctx, key.subjectID, key.documentName, sequence, doc)
		}
		if err == nil {
			p.mu.Lock()
			if queued, ok := p.queue[key]; ok && queued.sequence <= sequence {
				delete(p.queue, key)
			}
			metrics.SyncQueueDepth.Set(float64(len(p.queue)))
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		if queued, ok := p.queue[key]; ok && queued.sequence == item.sequence {
			queued.notBefore = time.Now().Add(queued.backoff.NextBackOff())
		}
		p.mu.Unlock()
		p.logger.Warn("background push failed", "subject", key.subjectID, "document", key.documentName, "error", err)
	}
}

// newRetryPolicy doubles from initial up to one minute without jitter.
func newRetryPolicy(initial time.Duration) *backoff.ExponentialBackOff {
	policy := &backoff.ExponentialBackOff{
		InitialInterval: max(initial, 0),
		Multiplier:      2,
		MaxInterval:     maxRetryDelay,
	}
	policy.Reset()
	return policy
}
