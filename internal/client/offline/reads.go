package offline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/quanta/habitsync/internal/client/cache"
	"github.com/quanta/habitsync/internal/client/store"
	"github.com/quanta/habitsync/internal/milestone"
	"github.com/quanta/habitsync/internal/models"
)

// Habits lists the user's habits.
func (s *Service) Habits(ctx context.Context) ([]models.Entity, error) {
	return s.list(ctx, models.KindHabit, store.Filter{})
}

// Habit returns one of the user's habits.
func (s *Service) Habit(ctx context.Context, id string) (models.Entity, error) {
	q := cache.Query{Kind: models.KindHabit, OwnerID: s.ownerID, ID: id}
	return s.cache.FetchOne(ctx, q, func(ctx context.Context) (models.Entity, error) {
		var e models.Entity
		err := s.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			e, err = s.remote.Get(ctx, models.KindHabit, id)
			return err
		})
		return e, err
	})
}

// CheckIns lists check-ins of one habit between from and to inclusive.
// Zero bounds are open.
func (s *Service) CheckIns(ctx context.Context, habitID string, from, to time.Time) ([]models.Entity, error) {
	return s.list(ctx, models.KindCheckIn, store.Filter{HabitID: habitID, From: from, To: to})
}

// Moods lists the mood entries of the last days days, today included.
func (s *Service) Moods(ctx context.Context, days int) ([]models.Entity, error) {
	f := store.Filter{}
	if days > 0 {
		f.From = s.now().AddDate(0, 0, -(days - 1))
	}
	return s.list(ctx, models.KindMood, f)
}

// Mission returns the user's most recent mission statement.
func (s *Service) Mission(ctx context.Context) (models.Entity, error) {
	return s.latest(ctx, models.KindMission)
}

// Vision returns the user's most recent vision board.
func (s *Service) Vision(ctx context.Context) (models.Entity, error) {
	return s.latest(ctx, models.KindVision)
}

// Badges lists the user's badges.
func (s *Service) Badges(ctx context.Context) ([]models.Entity, error) {
	return s.list(ctx, models.KindBadge, store.Filter{})
}

func (s *Service) list(ctx context.Context, kind models.Kind, f store.Filter) ([]models.Entity, error) {
	q := cache.Query{Kind: kind, OwnerID: s.ownerID, Filter: f}
	return s.cache.Fetch(ctx, q, func(ctx context.Context) ([]models.Entity, error) {
		var all []models.Entity
		err := s.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			all, err = s.remote.List(ctx, kind, s.ownerID)
			return err
		})
		if err != nil {
			return nil, err
		}
		out := all[:0]
		for _, e := range all {
			if matches(f, e) {
				out = append(out, e)
			}
		}
		return out, nil
	})
}

func (s *Service) latest(ctx context.Context, kind models.Kind) (models.Entity, error) {
	list, err := s.list(ctx, kind, store.Filter{})
	if err != nil {
		return models.Entity{}, err
	}
	if len(list) == 0 {
		return models.Entity{}, cache.ErrNoOfflineData
	}
	best := list[0]
	for _, e := range list[1:] {
		if e.CreatedAt.After(best.CreatedAt) {
			best = e
		}
	}
	return best, nil
}

// matches applies a store filter to an entity returned by the API.
func matches(f store.Filter, e models.Entity) bool {
	if f.HabitID != "" || !f.From.IsZero() || !f.To.IsZero() {
		var keys struct {
			HabitID string `json:"habit_id"`
			Date    string `json:"date"`
		}
		if err := e.Decode(&keys); err != nil {
			return false
		}
		if f.HabitID != "" && keys.HabitID != f.HabitID {
			return false
		}
		date := keys.Date
		if len(date) > len(models.DateLayout) {
			date = date[:len(models.DateLayout)]
		}
		if !f.From.IsZero() && date < f.From.Format(models.DateLayout) {
			return false
		}
		if !f.To.IsZero() && date > f.To.Format(models.DateLayout) {
			return false
		}
	}
	return f.Match == nil || f.Match(e)
}

// insuranceEvery is the streak length that earns one streak insurance.
const insuranceEvery = 7

// Completion is the outcome of CompleteHabit.
type Completion struct {
	CheckIn        models.Entity
	PreviousStreak int
	Streak         int
	// First is set on the first ever completion of the habit.
	First      bool
	Milestones []milestone.Definition
	// Insurance is set when the completion earned a streak insurance.
	Insurance *milestone.Definition
}

// CompleteHabit records a check-in of habitID on date and reports which
// milestones it crossed. A second completion on the same date updates the
// existing check-in.
func (s *Service) CompleteHabit(ctx context.Context, habitID string, date time.Time, value int, note string) (Completion, error) {
	if habitID == "" {
		return Completion{}, errors.New("complete habit: habit id is required")
	}
	day := date.Format(models.DateLayout)

	history := s.checkInHistory(ctx, habitID)

	var (
		dates    []time.Time
		existing *models.Entity
	)
	for i, e := range history {
		var c models.CheckIn
		if err := e.Decode(&c); err != nil {
			continue
		}
		if c.Date == day {
			existing = &history[i]
		}
		t, err := time.ParseInLocation(models.DateLayout, c.Date, date.Location())
		if err != nil {
			continue
		}
		dates = append(dates, t)
	}

	checkIn, err := models.NewEntity(models.KindCheckIn, s.ownerID, models.CheckIn{
		HabitID: habitID, Date: day, Value: value, Note: note,
	})
	if err != nil {
		return Completion{}, err
	}
	if existing != nil {
		checkIn.ID = existing.ID
		checkIn.CreatedAt = existing.CreatedAt
	}
	saved, err := s.Save(ctx, checkIn)
	if err != nil {
		return Completion{}, err
	}

	res := Completion{
		CheckIn:        saved,
		PreviousStreak: milestone.StreakLength(dates, date),
		Streak:         milestone.StreakLength(append(dates, date), date),
	}
	if existing == nil {
		res.First = milestone.FirstCompletion(len(history), len(history)+1)
	}
	res.Milestones = milestone.CrossedDefinitions(res.PreviousStreak, res.Streak, milestone.Streak)
	if d, ok := milestone.InsuranceEarned(res.PreviousStreak/insuranceEvery, res.Streak/insuranceEvery); ok {
		res.Insurance = &d
	}
	return res, nil
}

// checkInHistory returns every known check-in of habitID: the API's (or
// the cached) list merged with the local store, where queued local writes
// live. Local copies win, and entries deleted locally but not yet synced
// are dropped. Read failures only shrink the history.
func (s *Service) checkInHistory(ctx context.Context, habitID string) []models.Entity {
	log := s.log.With(zap.String("habit_id", habitID))

	local, err := s.store.Query(ctx, models.KindCheckIn, s.ownerID, store.Filter{HabitID: habitID})
	if err != nil {
		log.Warn("failed to read local check-ins", zap.Error(err))
	}
	known := make(map[string]struct{}, len(local))
	for _, e := range local {
		known[e.ID] = struct{}{}
	}

	listed, err := s.CheckIns(ctx, habitID, time.Time{}, time.Time{})
	if err != nil && !errors.Is(err, cache.ErrNoOfflineData) {
		log.Debug("check-in history unavailable, using local copies", zap.Error(err))
	}
	if len(listed) == 0 {
		return local
	}

	pending := make(map[models.Key]struct{})
	keys, err := s.queue.PendingKeys(ctx)
	if err != nil {
		log.Warn("failed to read queued writes", zap.Error(err))
	}
	for _, k := range keys {
		pending[k] = struct{}{}
	}

	history := local
	for _, e := range listed {
		if _, ok := known[e.ID]; ok {
			continue
		}
		if _, ok := pending[models.Key{Kind: models.KindCheckIn, ID: e.ID}]; ok {
			continue
		}
		known[e.ID] = struct{}{}
		history = append(history, e)
	}
	return history
}
