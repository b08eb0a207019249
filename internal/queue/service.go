// Package queue orchestrates the challenge lifecycle: content intake,
// approval, slot reservation, reordering, delivery, and archival.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"challengebot/internal/store"
	"challengebot/internal/types"
	"challengebot/pkg/logx"
)

// Messaging is the delivery port. Reservations bind a future timestamp to a
// message payload inside the external messaging system.
type Messaging interface {
	Reserve(ctx context.Context, text string, postAt time.Time) (handle string, err error)
	CancelReservation(ctx context.Context, handle string) error
	DeliverNow(ctx context.Context, text string) (confirmation string, err error)
	ListReservations(ctx context.Context) ([]types.Reservation, error)
}

// ProblemSource produces challenge content. Implementations must recover
// from upstream failures internally (fallback content); Generate only
// fails when the context is done.
type ProblemSource interface {
	Generate(ctx context.Context, difficulty types.Difficulty) (types.Draft, error)
}

// SlotSource allocates delivery timestamps on the weekly cadence.
type SlotSource interface {
	NextFreeSlot(now time.Time, taken map[int64]struct{}) (time.Time, error)
	ValidateExplicit(now, at time.Time, taken map[int64]struct{}) error
}

type Options struct {
	// AdminOnly is surfaced to the command layer; the orchestrator itself
	// performs no authorization (that concern lives at the edge).
	AdminOnly bool
}

// Service serializes every mutation behind one mutex so the position
// recomputation never interleaves with another write. Reads go straight to
// the store and see either the pre- or post-mutation snapshot.
type Service struct {
	mu sync.Mutex

	store    store.Store
	slots    SlotSource
	msg      Messaging
	problems ProblemSource
	opts     Options
	log      logx.Logger

	now func() time.Time
}

func New(st store.Store, slots SlotSource, msg Messaging, problems ProblemSource, opts Options, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:    st,
		slots:    slots,
		msg:      msg,
		problems: problems,
		opts:     opts,
		log:      log,
		now:      time.Now,
	}
}

func (s *Service) Options() Options { return s.opts }

// Enqueue fetches new challenge content and appends it to the pending block.
func (s *Service) Enqueue(ctx context.Context, difficulty string) (types.Challenge, error) {
	diff, err := types.ParseDifficulty(difficulty)
	if err != nil {
		return types.Challenge{}, err
	}

	draft, err := s.problems.Generate(ctx, diff)
	if err != nil {
		return types.Challenge{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.store.Insert(ctx, draft)
	if err != nil {
		return types.Challenge{}, err
	}
	s.log.Info("challenge enqueued",
		logx.Int64("id", id), logx.String("title", draft.Title), logx.String("difficulty", string(diff)))
	return s.store.Get(ctx, id)
}

// Approve promotes a challenge and reserves a delivery slot. With a nil
// explicit time the next free cadence occurrence is used; an explicit time
// must be free and in the future (no auto-search fallback).
//
// The approved status is committed before the external reservation call, so
// a messaging failure leaves the item approved-but-unscheduled, a valid
// state that AutoSchedule or a later Approve can finish.
func (s *Service) Approve(ctx context.Context, id int64, explicit *time.Time) (types.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.store.Get(ctx, id)
	if err != nil {
		return types.Challenge{}, err
	}
	switch ch.Status {
	case types.StatusUsed:
		return types.Challenge{}, fmt.Errorf("challenge %d already delivered: %w", id, types.ErrNotFound)
	case types.StatusScheduled:
		return types.Challenge{}, fmt.Errorf("challenge %d already scheduled; unschedule first: %w", id, types.ErrInvalidInput)
	}

	taken, err := s.takenSlots(ctx)
	if err != nil {
		return types.Challenge{}, err
	}

	now := s.now()
	var postAt time.Time
	if explicit != nil {
		if err := s.slots.ValidateExplicit(now, *explicit, taken); err != nil {
			return types.Challenge{}, err
		}
		postAt = *explicit
	} else {
		postAt, err = s.slots.NextFreeSlot(now, taken)
		if err != nil {
			return types.Challenge{}, err
		}
	}

	if err := s.store.Approve(ctx, id); err != nil {
		return types.Challenge{}, err
	}

	if err := s.scheduleLocked(ctx, ch, postAt); err != nil {
		return types.Challenge{}, err
	}
	return s.store.Get(ctx, id)
}

// scheduleLocked reserves the slot externally and binds it locally. The
// local write is the commit point: if it fails after a successful
// reservation, the reservation is cancelled so no orphan remains.
func (s *Service) scheduleLocked(ctx context.Context, ch types.Challenge, postAt time.Time) error {
	handle, err := s.msg.Reserve(ctx, RenderChallenge(ch), postAt)
	if err != nil {
		s.log.Warn("delivery reservation failed; challenge stays approved",
			logx.Int64("id", ch.ID), logx.Err(err))
		return fmt.Errorf("reserve delivery for challenge %d: %v: %w", ch.ID, err, types.ErrUpstreamUnavailable)
	}

	if err := s.store.MarkScheduled(ctx, ch.ID, postAt, handle); err != nil {
		if cerr := s.msg.CancelReservation(ctx, handle); cerr != nil {
			s.log.Error("compensating cancel failed; reservation may be orphaned until reconcile",
				logx.Int64("id", ch.ID), logx.String("handle", handle), logx.Err(cerr))
		}
		return err
	}

	s.log.Info("challenge scheduled",
		logx.Int64("id", ch.ID), logx.Time("post_at", postAt), logx.String("handle", handle))
	return nil
}

// AutoSchedule walks approved challenges in queue order and reserves one
// free slot per item, up to count. Returns how many were scheduled; a
// messaging failure stops the walk but keeps earlier successes.
func (s *Service) AutoSchedule(ctx context.Context, count int) (int, error) {
	if count <= 0 {
		return 0, fmt.Errorf("count must be positive: %w", types.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	approved, err := s.store.ListByStatus(ctx, types.StatusApproved)
	if err != nil {
		return 0, err
	}
	if len(approved) > count {
		approved = approved[:count]
	}

	taken, err := s.takenSlots(ctx)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, ch := range approved {
		postAt, err := s.slots.NextFreeSlot(s.now(), taken)
		if err != nil {
			return scheduled, err
		}
		if err := s.scheduleLocked(ctx, ch, postAt); err != nil {
			return scheduled, err
		}
		taken[postAt.Unix()] = struct{}{}
		scheduled++
	}
	return scheduled, nil
}

// Reorder moves a pending challenge to a new slot in the manual ordering.
func (s *Service) Reorder(ctx context.Context, id int64, position int) error {
	if position <= 0 {
		return fmt.Errorf("position %d must be positive: %w", position, types.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Reorder(ctx, id, position)
}

// Delete removes a challenge outright, cancelling its reservation first if
// one exists.
func (s *Service) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if ch.ReservationID != "" {
		if err := s.msg.CancelReservation(ctx, ch.ReservationID); err != nil {
			return fmt.Errorf("cancel reservation for challenge %d: %v: %w", id, err, types.ErrUpstreamUnavailable)
		}
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("challenge deleted", logx.Int64("id", id))
	return nil
}

// Unschedule rolls an approved or scheduled challenge back to pending, at
// the end of the manual ordering. The remote reservation is cancelled
// before the local transition.
func (s *Service) Unschedule(ctx context.Context, id int64) (types.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.store.Get(ctx, id)
	if err != nil {
		return types.Challenge{}, err
	}
	if !types.ValidTransition(ch.Status, types.StatusPending) {
		return types.Challenge{}, fmt.Errorf("challenge %d is %s: %w", id, ch.Status, types.ErrInvalidInput)
	}
	if ch.ReservationID != "" {
		if err := s.msg.CancelReservation(ctx, ch.ReservationID); err != nil {
			return types.Challenge{}, fmt.Errorf("cancel reservation for challenge %d: %v: %w", id, err, types.ErrUpstreamUnavailable)
		}
	}
	if err := s.store.Unschedule(ctx, id); err != nil {
		return types.Challenge{}, err
	}
	s.log.Info("challenge unscheduled", logx.Int64("id", id))
	return s.store.Get(ctx, id)
}

// PostNext delivers the first approved challenge immediately and archives it.
func (s *Service) PostNext(ctx context.Context) (types.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.store.FirstByStatus(ctx, types.StatusApproved)
	if err != nil {
		return types.Challenge{}, err
	}

	ts, err := s.msg.DeliverNow(ctx, RenderChallenge(ch))
	if err != nil {
		return types.Challenge{}, fmt.Errorf("deliver challenge %d: %v: %w", ch.ID, err, types.ErrUpstreamUnavailable)
	}
	if err := s.archiveDeliveredLocked(ctx, ch.ID, ts); err != nil {
		return types.Challenge{}, err
	}
	s.log.Info("challenge delivered", logx.Int64("id", ch.ID), logx.String("ts", ts))
	return ch, nil
}

// ArchiveDelivered records a confirmed delivery (e.g. a scheduled message
// that went out) and moves the challenge to the archive. Idempotent.
func (s *Service) ArchiveDelivered(ctx context.Context, id int64, deliveryHandle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.archiveDeliveredLocked(ctx, id, deliveryHandle)
}

func (s *Service) archiveDeliveredLocked(ctx context.Context, id int64, deliveryHandle string) error {
	err := s.store.MarkUsed(ctx, id, deliveryHandle, s.now())
	if errors.Is(err, types.ErrNotFound) {
		// Row already moved to the archive: Archive no-ops on duplicates.
		return s.store.Archive(ctx, id)
	}
	if err != nil {
		return err
	}
	return s.store.Archive(ctx, id)
}

// ListQueue returns the ordered queue view.
func (s *Service) ListQueue(ctx context.Context, includeUsed bool) ([]types.Challenge, error) {
	return s.store.ListQueue(ctx, includeUsed)
}

// PeekNext returns the first challenge in delivery order (scheduled and
// approved items rank before pending ones).
func (s *Service) PeekNext(ctx context.Context) (types.Challenge, error) {
	return s.store.FirstByStatus(ctx, types.StatusApproved, types.StatusScheduled)
}

// StatusCounts reports how many challenges sit in each lifecycle state.
func (s *Service) StatusCounts(ctx context.Context) (map[types.Status]int, error) {
	return s.store.StatusCounts(ctx)
}

// ReconcileReport summarizes a reservation reconciliation pass.
type ReconcileReport struct {
	// Recovered counts local scheduled rows whose reservation vanished
	// remotely; they were rolled back to pending.
	Recovered int
	// Cancelled counts remote reservations with no matching local row;
	// they were cancelled.
	Cancelled int
}

// Reconcile repairs drift between local schedule state and the messaging
// system's pending reservations. Run at startup and periodically: a crash
// between a successful external call and the local write-back leaves
// exactly the kinds of orphans this pass cleans up.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rep ReconcileReport

	remote, err := s.msg.ListReservations(ctx)
	if err != nil {
		return rep, fmt.Errorf("list reservations: %v: %w", err, types.ErrUpstreamUnavailable)
	}
	remoteByHandle := make(map[string]types.Reservation, len(remote))
	for _, r := range remote {
		remoteByHandle[r.Handle] = r
	}

	local, err := s.store.ListByStatus(ctx, types.StatusScheduled)
	if err != nil {
		return rep, err
	}
	localHandles := make(map[string]struct{}, len(local))
	for _, ch := range local {
		if ch.ReservationID != "" {
			localHandles[ch.ReservationID] = struct{}{}
		}
	}

	for _, ch := range local {
		if ch.ReservationID == "" {
			continue
		}
		if _, ok := remoteByHandle[ch.ReservationID]; ok {
			continue
		}
		if err := s.store.Unschedule(ctx, ch.ID); err != nil {
			return rep, err
		}
		rep.Recovered++
		s.log.Warn("reservation vanished remotely; challenge returned to pending",
			logx.Int64("id", ch.ID), logx.String("handle", ch.ReservationID))
	}

	for handle := range remoteByHandle {
		if _, ok := localHandles[handle]; ok {
			continue
		}
		if err := s.msg.CancelReservation(ctx, handle); err != nil {
			return rep, fmt.Errorf("cancel orphaned reservation %q: %v: %w", handle, err, types.ErrUpstreamUnavailable)
		}
		rep.Cancelled++
		s.log.Warn("cancelled orphaned remote reservation", logx.String("handle", handle))
	}

	return rep, nil
}

// takenSlots unions local scheduled times with the messaging system's
// pending reservations. A remote listing failure degrades to the local
// view: the store's unique slot index still backstops double-booking.
func (s *Service) takenSlots(ctx context.Context) (map[int64]struct{}, error) {
	taken := make(map[int64]struct{})

	local, err := s.store.ScheduledTimes(ctx)
	if err != nil {
		return nil, err
	}
	for _, epoch := range local {
		taken[epoch] = struct{}{}
	}

	remote, err := s.msg.ListReservations(ctx)
	if err != nil {
		s.log.Warn("listing remote reservations failed; using local slot view", logx.Err(err))
		return taken, nil
	}
	for _, r := range remote {
		taken[r.PostAt.Unix()] = struct{}{}
	}
	return taken, nil
}
