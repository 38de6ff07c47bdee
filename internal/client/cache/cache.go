// Package cache serves reads from the API when reachable and from the
// local store otherwise, keeping the store warm with what the API returns.
package cache

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/quanta/habitsync/internal/client/store"
	"github.com/quanta/habitsync/internal/models"
)

// ErrNoOfflineData is returned when the API cannot be used and nothing
// matching the query is stored locally.
var ErrNoOfflineData = errors.New("no offline data available")

// Connectivity reports whether the API is believed reachable.
type Connectivity interface {
	Online() bool
}

// PendingChecker reports, inside a store transaction, whether an entity
// has queued writes newer than seq.
type PendingChecker interface {
	HasPendingAfterTx(ctx context.Context, tx *store.Tx, kind models.Kind, id string, seq int64) (bool, error)
}

// Query describes what a read wants from the local store.
type Query struct {
	Kind    models.Kind
	OwnerID string
	// ID selects a single entity. When empty the query lists by owner and
	// Filter.
	ID     string
	Filter store.Filter
}

// Adapter is the read-through cache. Write-through is best effort: its
// errors go to the logger and OnWriteError, never to the reader.
type Adapter struct {
	store   *store.Store
	pending PendingChecker
	monitor Connectivity
	log     *zap.Logger

	// OnWriteError, when set, receives every write-through failure.
	OnWriteError func(error)

	wg sync.WaitGroup
}

// New returns an adapter. pending may be nil when no queue is in use.
func New(s *store.Store, pending PendingChecker, monitor Connectivity, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{store: s, pending: pending, monitor: monitor, log: log}
}

// Fetch runs remoteFn when online and falls back to the local store when
// offline or when remoteFn fails.
func (a *Adapter) Fetch(ctx context.Context, q Query, remoteFn func(context.Context) ([]models.Entity, error)) ([]models.Entity, error) {
	if !a.monitor.Online() {
		return a.local(ctx, q)
	}

	result, err := remoteFn(ctx)
	if err != nil {
		a.log.Debug("remote read failed, using local store",
			zap.String("kind", string(q.Kind)), zap.Error(err))
		local, lerr := a.local(ctx, q)
		if lerr != nil {
			return nil, err
		}
		return local, nil
	}

	for i := range result {
		if result[i].Kind == "" {
			result[i].Kind = q.Kind
		}
		if result[i].OwnerID == "" {
			result[i].OwnerID = q.OwnerID
		}
	}
	a.writeThrough(ctx, result)
	return result, nil
}

// FetchOne is Fetch for a single entity.
func (a *Adapter) FetchOne(ctx context.Context, q Query, remoteFn func(context.Context) (models.Entity, error)) (models.Entity, error) {
	list, err := a.Fetch(ctx, q, func(ctx context.Context) ([]models.Entity, error) {
		e, err := remoteFn(ctx)
		if err != nil {
			return nil, err
		}
		return []models.Entity{e}, nil
	})
	if err != nil {
		return models.Entity{}, err
	}
	return list[0], nil
}

// Wait blocks until every pending write-through has finished.
func (a *Adapter) Wait() {
	a.wg.Wait()
}

func (a *Adapter) local(ctx context.Context, q Query) ([]models.Entity, error) {
	if q.ID != "" {
		e, err := a.store.Get(ctx, q.Kind, q.ID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				a.log.Warn("local read failed", zap.String("kind", string(q.Kind)), zap.Error(err))
			}
			return nil, ErrNoOfflineData
		}
		if e.OwnerID != q.OwnerID {
			return nil, ErrNoOfflineData
		}
		return []models.Entity{e}, nil
	}

	list, err := a.store.Query(ctx, q.Kind, q.OwnerID, q.Filter)
	if err != nil {
		a.log.Warn("local read failed", zap.String("kind", string(q.Kind)), zap.Error(err))
		return nil, ErrNoOfflineData
	}
	if len(list) == 0 {
		return nil, ErrNoOfflineData
	}
	return list, nil
}

// writeThrough stores the remote result in the background. Entities with
// queued local writes are skipped so optimistic state is never replaced
// by an older server copy.
func (a *Adapter) writeThrough(ctx context.Context, entities []models.Entity) {
	if len(entities) == 0 {
		return
	}
	batch := make([]models.Entity, len(entities))
	copy(batch, entities)
	ctx = context.WithoutCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		// The pending check and the put share a transaction so a local
		// write committed in between cannot be overwritten.
		err := a.store.InTx(ctx, func(tx *store.Tx) error {
			for _, e := range batch {
				if a.pending != nil {
					pending, err := a.pending.HasPendingAfterTx(ctx, tx, e.Kind, e.ID, 0)
					if err != nil {
						return err
					}
					if pending {
						continue
					}
				}
				e.Synced = true
				if _, err := tx.Put(ctx, e); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			a.reportWriteError(err)
		}
	}()
}

func (a *Adapter) reportWriteError(err error) {
	a.log.Error("cache write-through failed", zap.Error(err))
	if a.OnWriteError != nil {
		a.OnWriteError(err)
	}
}
