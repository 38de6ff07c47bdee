// Package offline is the write and read surface the application uses.
//
// Every write lands in the local store first, together with its queue
// entry. It is sent to the API straight away when possible and left to the
// sync engine otherwise, so the caller always sees its own write
// immediately.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/quanta/habitsync/internal/client/cache"
	"github.com/quanta/habitsync/internal/client/queue"
	"github.com/quanta/habitsync/internal/client/remote"
	"github.com/quanta/habitsync/internal/client/store"
	"github.com/quanta/habitsync/internal/client/syncer"
	"github.com/quanta/habitsync/internal/models"
)

// Remote is the subset of the API client the service needs.
type Remote interface {
	Create(ctx context.Context, e models.Entity) (models.Entity, error)
	Update(ctx context.Context, e models.Entity) (models.Entity, error)
	Delete(ctx context.Context, kind models.Kind, id string) error
	Get(ctx context.Context, kind models.Kind, id string) (models.Entity, error)
	List(ctx context.Context, kind models.Kind, ownerID string) ([]models.Entity, error)
}

// Connectivity reports whether the API is believed reachable.
type Connectivity interface {
	Online() bool
}

// Triggerer starts a background drain.
type Triggerer interface {
	Trigger()
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store   *store.Store
	Queue   *queue.Queue
	Remote  Remote
	Monitor Connectivity
	Cache   *cache.Adapter
	Syncer  Triggerer
	Log     *zap.Logger
}

// Service performs reads and writes for one signed-in user.
type Service struct {
	store   *store.Store
	queue   *queue.Queue
	remote  Remote
	monitor Connectivity
	cache   *cache.Adapter
	syncer  Triggerer
	log     *zap.Logger

	ownerID     string
	callTimeout time.Duration
	now         func() time.Time
}

// New returns a service acting for ownerID.
func New(d Deps, ownerID string, callTimeout time.Duration) *Service {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	c := d.Cache
	if c == nil {
		c = cache.New(d.Store, d.Queue, d.Monitor, log)
	}
	return &Service{
		store:       d.Store,
		queue:       d.Queue,
		remote:      d.Remote,
		monitor:     d.Monitor,
		cache:       c,
		syncer:      d.Syncer,
		log:         log,
		ownerID:     ownerID,
		callTimeout: callTimeout,
		now:         time.Now,
	}
}

// OwnerID returns the user the service acts for.
func (s *Service) OwnerID() string { return s.ownerID }

// Wait blocks until background cache writes have finished.
func (s *Service) Wait() { s.cache.Wait() }

// Save creates e when it is not stored yet and updates it otherwise. The
// returned entity is what the local store now holds.
//
// The local write and its queue entry are committed together. When the
// entity has no other queued writes and the API is reachable, the entry is
// sent straight away and removed on success; otherwise it stays queued for
// the sync engine. A permanent rejection by the API restores the previous
// local version and returns a *syncer.ConflictError.
func (s *Service) Save(ctx context.Context, e models.Entity) (models.Entity, error) {
	if !e.Kind.Valid() {
		return e, fmt.Errorf("save: unknown entity kind %q", e.Kind)
	}
	if e.OwnerID == "" {
		e.OwnerID = s.ownerID
	}

	prev, exists, err := s.previous(ctx, e.Kind, e.ID)
	if err != nil {
		return e, err
	}
	op := models.OpCreate
	if exists {
		op = models.OpUpdate
	}
	e.Synced = false
	e.UpdatedAt = s.now()

	var stored models.Entity
	m, direct, err := s.writeLocal(ctx, op, func(tx *store.Tx) (models.Entity, error) {
		var err error
		stored, err = tx.Put(ctx, e)
		return stored, err
	})
	if err != nil || !direct {
		return stored, err
	}
	defer s.release(m)

	canonical, err := s.send(ctx, op, stored)
	switch {
	case err == nil:
		if canonical.ID == "" {
			// No body: the server accepted the local version as sent.
			if _, ok := s.acknowledge(ctx, m, nil); ok {
				stored.Synced = true
			}
			return stored, nil
		}
		canonical.Kind = stored.Kind
		if canonical.OwnerID == "" {
			canonical.OwnerID = stored.OwnerID
		}
		canonical.Synced = true
		out, ok := s.acknowledge(ctx, m, &canonical)
		if !ok {
			return stored, nil
		}
		return out, nil

	case remote.IsPermanent(err):
		return stored, s.rollback(ctx, m, stored, prev, exists, err)

	default:
		s.leaveQueued(m, err)
		return stored, nil
	}
}

// Delete removes an entity locally and from the API.
func (s *Service) Delete(ctx context.Context, kind models.Kind, id string) error {
	if !kind.Valid() {
		return fmt.Errorf("delete: unknown entity kind %q", kind)
	}
	prev, exists, err := s.previous(ctx, kind, id)
	if err != nil {
		return err
	}

	target := models.Entity{Kind: kind, ID: id}
	m, direct, err := s.writeLocal(ctx, models.OpDelete, func(tx *store.Tx) (models.Entity, error) {
		return target, tx.Delete(ctx, kind, id)
	})
	if err != nil || !direct {
		return err
	}
	defer s.release(m)

	err = s.withTimeout(ctx, func(ctx context.Context) error {
		return s.remote.Delete(ctx, kind, id)
	})
	switch {
	case err == nil, remote.IsNotFound(err):
		s.acknowledge(ctx, m, nil)
		return nil
	case remote.IsPermanent(err):
		return s.rollback(ctx, m, target, prev, exists, err)
	default:
		s.leaveQueued(m, err)
		return nil
	}
}

func (s *Service) previous(ctx context.Context, kind models.Kind, id string) (models.Entity, bool, error) {
	if id == "" {
		return models.Entity{}, false, nil
	}
	prev, err := s.store.Get(ctx, kind, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Entity{}, false, nil
	}
	if err != nil {
		return models.Entity{}, false, err
	}
	return prev, true, nil
}

// writeLocal applies the local write and queues its mutation in the same
// transaction. It reports direct when the caller should send the mutation
// itself: the API is reachable and nothing older is queued for the entity.
// A direct mutation is claimed so the sync engine leaves it alone until
// release.
func (s *Service) writeLocal(ctx context.Context, op models.Operation, apply func(*store.Tx) (models.Entity, error)) (models.Mutation, bool, error) {
	online := s.monitor == nil || s.monitor.Online()
	var (
		m      models.Mutation
		direct bool
	)
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		e, err := apply(tx)
		if err != nil {
			return err
		}
		if online {
			pending, err := s.queue.HasPendingAfterTx(ctx, tx, e.Kind, e.ID, 0)
			if err != nil {
				return err
			}
			direct = !pending
		}
		payload, err := wirePayload(op, e)
		if err != nil {
			return err
		}
		if m, err = s.queue.EnqueueTx(ctx, tx, e.Kind, e.ID, op, payload); err != nil {
			return err
		}
		if direct {
			// Claimed before commit so no drain can see it unclaimed.
			s.queue.Claim(m.Seq)
		}
		return nil
	})
	if err != nil {
		if direct && m.Seq != 0 {
			s.queue.Release(m.Seq)
		}
		return m, false, err
	}
	if online && !direct && s.syncer != nil {
		s.syncer.Trigger()
	}
	return m, direct, nil
}

// release drops the claim on a directly sent mutation. Writes queued for
// the entity while it was in flight are handed to the sync engine.
func (s *Service) release(m models.Mutation) {
	s.queue.Release(m.Seq)
	if s.syncer == nil {
		return
	}
	newer, err := s.queue.HasPendingAfter(context.Background(), m.Kind, m.EntityID, m.Seq)
	if err != nil {
		s.log.Warn("failed to check queued writes", zap.String("entity", m.Key().String()), zap.Error(err))
		return
	}
	if newer {
		s.syncer.Trigger()
	}
}

func (s *Service) send(ctx context.Context, op models.Operation, e models.Entity) (models.Entity, error) {
	var out models.Entity
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		if op == models.OpCreate {
			out, err = s.remote.Create(ctx, e)
			if err == nil || !isConflict(err) {
				return err
			}
			// The entity already exists on the server; send it as an update.
		}
		out, err = s.remote.Update(ctx, e)
		return err
	})
	return out, err
}

func isConflict(err error) bool {
	var re *remote.RemoteError
	return errors.As(err, &re) && re.StatusCode == http.StatusConflict
}

func (s *Service) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// acknowledge removes a mutation the API accepted and, unless newer
// writes for the entity are queued, stores canonical as synced. A nil
// canonical flags the local copy as synced instead. It reports whether the
// local copy was updated; on false it is left as it is.
func (s *Service) acknowledge(ctx context.Context, m models.Mutation, canonical *models.Entity) (models.Entity, bool) {
	ctx = context.WithoutCancel(ctx)
	var (
		out    models.Entity
		stored bool
	)
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if err := s.queue.RemoveTx(ctx, tx, m.Seq); err != nil {
			return err
		}
		newer, err := s.queue.HasPendingAfterTx(ctx, tx, m.Kind, m.EntityID, m.Seq)
		if err != nil || newer {
			return err
		}
		if canonical == nil {
			err = tx.MarkSynced(ctx, m.Kind, m.EntityID)
		} else {
			out, err = tx.Put(ctx, *canonical)
		}
		stored = err == nil
		return err
	})
	if err != nil {
		// The entry stays queued and is replayed by the sync engine.
		s.log.Warn("failed to acknowledge sent write",
			zap.Int64("seq", m.Seq), zap.String("entity", m.Key().String()), zap.Error(err))
		return models.Entity{}, false
	}
	return out, stored
}

func (s *Service) leaveQueued(m models.Mutation, cause error) {
	s.log.Info("remote write failed, left queued for sync",
		zap.Int64("seq", m.Seq), zap.String("kind", string(m.Kind)), zap.String("entity_id", m.EntityID), zap.Error(cause))
}

// rollback drops a rejected mutation and restores the previous local
// version, unless newer writes for the entity are queued.
func (s *Service) rollback(ctx context.Context, m models.Mutation, e, prev models.Entity, existed bool, cause error) error {
	s.log.Warn("remote write rejected, restoring local copy",
		zap.String("kind", string(e.Kind)), zap.String("entity_id", e.ID), zap.Error(cause))
	conflict := &syncer.ConflictError{Mutation: m, Err: cause}

	ctx = context.WithoutCancel(ctx)
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if err := s.queue.RemoveTx(ctx, tx, m.Seq); err != nil {
			return err
		}
		newer, err := s.queue.HasPendingAfterTx(ctx, tx, m.Kind, m.EntityID, m.Seq)
		if err != nil || newer {
			return err
		}
		if existed {
			_, err = tx.Put(ctx, prev)
			return err
		}
		return tx.Delete(ctx, e.Kind, e.ID)
	})
	if err != nil {
		return errors.Join(conflict, fmt.Errorf("restore %s: %w", e.Key(), err))
	}
	return conflict
}

func wirePayload(op models.Operation, e models.Entity) ([]byte, error) {
	if op == models.OpDelete {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Key(), err)
	}
	return b, nil
}

// Logout wipes every locally stored entity and queued mutation.
func (s *Service) Logout(ctx context.Context) error {
	if err := s.store.ClearAll(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Status summarises local sync state.
type Status struct {
	Online      bool
	Pending     int
	DeadLetters int
	Unsynced    int
}

// Status reports the current sync state.
func (s *Service) Status(ctx context.Context) (Status, error) {
	st := Status{Online: s.monitor == nil || s.monitor.Online()}
	var err error
	if st.Pending, err = s.queue.Len(ctx); err != nil {
		return st, err
	}
	dead, err := s.queue.DeadLetters(ctx)
	if err != nil {
		return st, err
	}
	st.DeadLetters = len(dead)
	if st.Unsynced, err = s.store.CountUnsynced(ctx); err != nil {
		return st, err
	}
	return st, nil
}
