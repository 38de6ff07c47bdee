// Package syncer replays the mutation queue against the API.
//
// A drain reads the live queue, replays entries per entity in sequence
// order, removes the ones the server accepted and then flags every entity
// without a queued mutation as synced. Failures are isolated per entity:
// a failing entry defers the later entries of its own entity and nothing
// else.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quanta/habitsync/internal/client/queue"
	"github.com/quanta/habitsync/internal/client/remote"
	"github.com/quanta/habitsync/internal/client/store"
	"github.com/quanta/habitsync/internal/models"
)

// Remote replays one queued mutation.
type Remote interface {
	Replay(ctx context.Context, m models.Mutation) (*models.Entity, error)
}

// Connectivity reports whether the API is believed reachable.
type Connectivity interface {
	Online() bool
}

// ConflictError reports a mutation the server rejected permanently. The
// mutation is dead-lettered and the local entity keeps its unsynced
// version.
type ConflictError struct {
	Mutation models.Mutation
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s rejected: %v", e.Mutation.Op, e.Mutation.Key(), e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// Config tunes a drain.
type Config struct {
	// Workers is how many entities are replayed in parallel. 1 replays the
	// whole queue strictly in order.
	Workers int
	// CallTimeout bounds every remote call.
	CallTimeout time.Duration
	// MaxRetries is the number of failed attempts after which an entry is
	// dead-lettered.
	MaxRetries int
	// BackoffBase and BackoffMax shape the delay before the next attempt:
	// BackoffBase * 2^retries, capped at BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// OnConflict is called for every permanent rejection.
	OnConflict func(*ConflictError)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		CallTimeout: 10 * time.Second,
		MaxRetries:  8,
		BackoffBase: 2 * time.Second,
		BackoffMax:  10 * time.Minute,
	}
}

// Backoff returns the delay before attempt retries+1.
func (c Config) Backoff(retries int) time.Duration {
	if c.BackoffBase <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.MaxInterval = c.BackoffMax
	if b.MaxInterval <= 0 {
		b.MaxInterval = math.MaxInt64
	}
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < retries && d < b.MaxInterval; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Report summarises a drain.
type Report struct {
	// Coalesced is set when another drain was running. The call then
	// waited for the pass started after it and reports that pass merged
	// with the one it overlapped.
	Coalesced bool
	// Offline is set when the drain was skipped for lack of connectivity.
	Offline bool

	Attempted    int
	Succeeded    int
	Failed       int
	Deferred     int
	DeadLettered int
	MarkedSynced int64
	Conflicts    []*ConflictError
}

func (r *Report) merge(o Report) {
	r.Offline = r.Offline || o.Offline
	r.Attempted += o.Attempted
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Deferred += o.Deferred
	r.DeadLettered += o.DeadLettered
	r.MarkedSynced += o.MarkedSynced
	r.Conflicts = append(r.Conflicts, o.Conflicts...)
}

// Engine drains the mutation queue. At most one drain runs at a time.
type Engine struct {
	store   *store.Store
	queue   *queue.Queue
	remote  Remote
	monitor Connectivity
	cfg     Config
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	next    *drainCall

	bgMu     sync.Mutex
	closed   bool
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New returns an engine. A nil monitor means always online.
func New(s *store.Store, q *queue.Queue, r Remote, monitor Connectivity, cfg Config, log *zap.Logger) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    s,
		queue:    q,
		remote:   r,
		monitor:  monitor,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		bgCtx:    ctx,
		bgCancel: cancel,
	}
}

// drainCall is a pass that callers arriving during a running drain wait
// for.
type drainCall struct {
	done   chan struct{}
	report Report
	err    error

	// handoff is set when the running drain stopped before the pass; the
	// waiters then drain themselves.
	handoff bool
}

// Drain pushes every due queued mutation to the API.
//
// When another drain is running, Drain waits for it to run one more pass
// on this call's behalf and returns that pass's report merged with the
// report of the pass it overlapped, with Coalesced set.
func (e *Engine) Drain(ctx context.Context) (Report, error) {
	var seed Report
	for {
		e.mu.Lock()
		if !e.running {
			e.running = true
			e.mu.Unlock()
			r, err := e.lead(ctx)
			seed.merge(r)
			return seed, err
		}
		if e.next == nil {
			e.next = &drainCall{done: make(chan struct{})}
		}
		c := e.next
		e.mu.Unlock()

		seed.Coalesced = true
		select {
		case <-c.done:
		case <-ctx.Done():
			return seed, ctx.Err()
		}
		seed.merge(c.report)
		if !c.handoff {
			return seed, c.err
		}
	}
}

// lead runs passes until no caller is waiting for another one.
func (e *Engine) lead(ctx context.Context) (Report, error) {
	last, err := e.drainOnce(ctx)
	total := last
	var served *drainCall
	for {
		e.mu.Lock()
		c := e.next
		e.next = nil
		stop := c == nil || err != nil || ctx.Err() != nil
		if stop {
			e.running = false
		}
		e.mu.Unlock()

		// Waiters are released only after running is settled, so a handed
		// off waiter finds the engine idle.
		if served != nil {
			served.report.merge(last)
			served.err = err
			served.handoff = ctx.Err() != nil
			close(served.done)
		}
		if stop {
			if c != nil {
				c.report, c.handoff = last, true
				close(c.done)
			}
			return total, err
		}

		c.report = last
		served = c
		last, err = e.drainOnce(ctx)
		total.merge(last)
	}
}

type outcome int

const (
	succeeded outcome = iota
	failed
	deferred
	deadLettered
)

func (e *Engine) drainOnce(ctx context.Context) (Report, error) {
	var report Report
	if e.monitor != nil && !e.monitor.Online() {
		report.Offline = true
		return report, nil
	}

	entries, err := e.queue.PeekAll(ctx)
	if err != nil {
		return report, fmt.Errorf("read queue: %w", err)
	}
	if len(entries) > 0 {
		e.log.Debug("draining mutation queue", zap.Int("entries", len(entries)))
	}

	var (
		mu        sync.Mutex
		successes []int64
	)
	record := func(m models.Mutation, o outcome, conflict *ConflictError) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case succeeded:
			report.Attempted++
			report.Succeeded++
			successes = append(successes, m.Seq)
		case failed:
			report.Attempted++
			report.Failed++
		case deferred:
			report.Deferred++
		case deadLettered:
			report.Attempted++
			report.Failed++
			report.DeadLettered++
		}
		if conflict != nil {
			report.Conflicts = append(report.Conflicts, conflict)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, chain := range chains(entries) {
		g.Go(func() error {
			blocked := false
			for _, m := range chain {
				if blocked || gctx.Err() != nil || e.queue.Claimed(m.Seq) {
					// A claimed entry is being sent by its writer.
					record(m, deferred, nil)
					blocked = true
					continue
				}
				o, conflict := e.replay(gctx, m)
				record(m, o, conflict)
				if o != succeeded {
					blocked = true
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := e.queue.RemoveBatch(ctx, successes); err != nil {
		return report, fmt.Errorf("remove replayed mutations: %w", err)
	}
	marked, err := e.store.MarkSyncedExceptQueued(ctx)
	if err != nil {
		return report, fmt.Errorf("mark synced: %w", err)
	}
	report.MarkedSynced = marked

	if report.Attempted > 0 || report.Deferred > 0 {
		e.log.Info("drain finished",
			zap.Int("succeeded", report.Succeeded),
			zap.Int("failed", report.Failed),
			zap.Int("deferred", report.Deferred),
			zap.Int("dead_lettered", report.DeadLettered),
			zap.Int64("marked_synced", marked),
		)
	}
	return report, nil
}

// chains groups entries per entity, keeping sequence order inside each
// chain and ordering chains by their first entry.
func chains(entries []models.Mutation) [][]models.Mutation {
	index := make(map[models.Key]int)
	var out [][]models.Mutation
	for _, m := range entries {
		i, ok := index[m.Key()]
		if !ok {
			i = len(out)
			index[m.Key()] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], m)
	}
	return out
}

func (e *Engine) replay(ctx context.Context, m models.Mutation) (outcome, *ConflictError) {
	if !m.NextAttemptAt.IsZero() && m.NextAttemptAt.After(e.now()) {
		return deferred, nil
	}

	log := e.log.With(
		zap.Int64("seq", m.Seq),
		zap.String("kind", string(m.Kind)),
		zap.String("entity_id", m.EntityID),
		zap.String("op", string(m.Op)),
	)

	canonical, err := e.call(ctx, m)
	if err != nil && m.Op == models.OpCreate && isConflict(err) {
		// An earlier attempt may have reached the server before its
		// response was lost; replay the create as an idempotent update.
		update := m
		update.Op = models.OpUpdate
		canonical, err = e.call(ctx, update)
	}
	if err != nil && m.Op == models.OpDelete && remote.IsNotFound(err) {
		err = nil
	}

	switch {
	case err == nil:
		if canonical != nil {
			e.writeCanonical(ctx, m, *canonical, log)
		}
		return succeeded, nil

	case remote.IsPermanent(err):
		conflict := &ConflictError{Mutation: m, Err: err}
		log.Warn("mutation rejected by server", zap.Error(err))
		if derr := e.queue.DeadLetter(ctx, m.Seq, err.Error()); derr != nil {
			log.Error("failed to dead-letter mutation", zap.Error(derr))
		}
		if e.cfg.OnConflict != nil {
			e.cfg.OnConflict(conflict)
		}
		return deadLettered, conflict

	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return deferred, nil

	default:
		retries := m.RetryCount + 1
		if retries >= e.cfg.MaxRetries {
			log.Warn("mutation exhausted retries", zap.Int("retries", retries), zap.Error(err))
			reason := fmt.Sprintf("gave up after %d attempts: %v", retries, err)
			if derr := e.queue.DeadLetter(ctx, m.Seq, reason); derr != nil {
				log.Error("failed to dead-letter mutation", zap.Error(derr))
			}
			return deadLettered, nil
		}
		next := e.now().Add(e.cfg.Backoff(m.RetryCount))
		log.Info("mutation replay failed", zap.Int("retries", retries), zap.Time("next_attempt", next), zap.Error(err))
		if rerr := e.queue.RecordFailure(ctx, m.Seq, err, next); rerr != nil {
			log.Error("failed to record mutation failure", zap.Error(rerr))
		}
		return failed, nil
	}
}

func (e *Engine) call(ctx context.Context, m models.Mutation) (*models.Entity, error) {
	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}
	return e.remote.Replay(ctx, m)
}

// writeCanonical stores the server's version of an entity as synced,
// unless newer local writes are still queued for it.
func (e *Engine) writeCanonical(ctx context.Context, m models.Mutation, canonical models.Entity, log *zap.Logger) {
	canonical.Kind = m.Kind
	if canonical.ID == "" {
		canonical.ID = m.EntityID
	}
	canonical.Synced = true

	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		newer, err := e.queue.HasPendingAfterTx(ctx, tx, m.Kind, m.EntityID, m.Seq)
		if err != nil || newer {
			return err
		}
		if canonical.OwnerID == "" {
			local, err := tx.Get(ctx, m.Kind, canonical.ID)
			if err != nil {
				log.Warn("failed to read local entity for canonical write", zap.Error(err))
				return nil
			}
			canonical.OwnerID = local.OwnerID
		}
		_, err = tx.Put(ctx, canonical)
		return err
	})
	if err != nil {
		log.Error("failed to store canonical entity", zap.Error(err))
	}
}

func isConflict(err error) bool {
	var re *remote.RemoteError
	return errors.As(err, &re) && re.StatusCode == 409
}

// Trigger starts a drain in the background and returns at once.
func (e *Engine) Trigger() {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.closed {
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		r, err := e.Drain(e.bgCtx)
		if err != nil {
			if e.bgCtx.Err() == nil {
				e.log.Error("background drain failed", zap.Error(err))
			}
			return
		}
		for _, c := range r.Conflicts {
			e.log.Warn("sync conflict", zap.Error(c))
		}
	}()
}

// Close cancels background drains and waits for them to return.
func (e *Engine) Close() {
	e.bgMu.Lock()
	e.closed = true
	e.bgMu.Unlock()
	e.bgCancel()
	e.bg.Wait()
}
