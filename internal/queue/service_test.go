package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"challengebot/internal/schedule"
	"challengebot/internal/store"
	"challengebot/internal/types"
	"challengebot/pkg/logx"
)

// monday noon UTC; the cadence below anchors Tuesdays 09:00 UTC, so the
// first free slot is the next morning.
var monday = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

var slot1 = time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC)
var slot2 = slot1.AddDate(0, 0, 7)

type fakeMessaging struct {
	mu sync.Mutex

	reserveErr error
	deliverErr error
	listErr    error

	nextHandle int
	reserved   map[string]time.Time
	cancelled  []string
	delivered  []string

	// remote overrides ListReservations when non-nil.
	remote []types.Reservation
}

func newFakeMessaging() *fakeMessaging {
	return &fakeMessaging{reserved: map[string]time.Time{}}
}

func (f *fakeMessaging) Reserve(_ context.Context, _ string, postAt time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reserveErr != nil {
		return "", f.reserveErr
	}
	f.nextHandle++
	handle := fmt.Sprintf("Q%d", f.nextHandle)
	f.reserved[handle] = postAt
	return handle, nil
}

func (f *fakeMessaging) CancelReservation(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, handle)
	delete(f.reserved, handle)
	return nil
}

func (f *fakeMessaging) DeliverNow(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deliverErr != nil {
		return "", f.deliverErr
	}
	f.delivered = append(f.delivered, text)
	return fmt.Sprintf("%d.000100", len(f.delivered)), nil
}

func (f *fakeMessaging) ListReservations(_ context.Context) ([]types.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.remote != nil {
		return append([]types.Reservation(nil), f.remote...), nil
	}
	out := make([]types.Reservation, 0, len(f.reserved))
	for h, at := range f.reserved {
		out = append(out, types.Reservation{Handle: h, PostAt: at})
	}
	return out, nil
}

type fakeProblems struct {
	mu sync.Mutex
	n  int
}

func (f *fakeProblems) Generate(_ context.Context, d types.Difficulty) (types.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return types.Draft{
		Title:       fmt.Sprintf("Problem %d", f.n),
		Description: "Solve it.",
		Difficulty:  d,
	}, nil
}

func newTestService(t *testing.T) (*Service, *fakeMessaging, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cad, err := schedule.New(schedule.Config{Timezone: "UTC", Weekday: 2, Hour: 9})
	if err != nil {
		t.Fatalf("schedule.New: %v", err)
	}

	msg := newFakeMessaging()
	svc := New(st, cad, msg, &fakeProblems{}, Options{}, logx.Nop())
	svc.now = func() time.Time { return monday }
	return svc, msg, st
}

func enqueueN(t *testing.T, svc *Service, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		ch, err := svc.Enqueue(context.Background(), "medium")
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, ch.ID)
	}
	return ids
}

func TestEnqueueAppendsPending(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ids := enqueueN(t, svc, 3)

	list, err := svc.ListQueue(context.Background(), false)
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("queue len = %d, want 3", len(list))
	}
	for i, ch := range list {
		if ch.ID != ids[i] || ch.Status != types.StatusPending {
			t.Fatalf("slot %d: %+v", i, ch)
		}
		if ch.Position == nil || *ch.Position != i+1 {
			t.Fatalf("slot %d position = %v", i, ch.Position)
		}
	}
}

func TestEnqueueRejectsBadDifficulty(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	if _, err := svc.Enqueue(context.Background(), "nightmare"); !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestApproveReservesNextSlot(t *testing.T) {
	t.Parallel()
	svc, msg, _ := newTestService(t)
	ids := enqueueN(t, svc, 3)

	ch, err := svc.Approve(context.Background(), ids[1], nil)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if ch.Status != types.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", ch.Status)
	}
	if ch.ScheduledAt == nil || !ch.ScheduledAt.Equal(slot1) {
		t.Fatalf("ScheduledAt = %v, want %v", ch.ScheduledAt, slot1)
	}
	if ch.ReservationID == "" {
		t.Fatal("reservation handle missing")
	}
	if at, ok := msg.reserved[ch.ReservationID]; !ok || !at.Equal(slot1) {
		t.Fatalf("reservation not recorded: %v", msg.reserved)
	}
	// Scheduled item jumps ahead of the pending block.
	if ch.Position == nil || *ch.Position != 1 {
		t.Fatalf("position = %v, want 1", ch.Position)
	}
}

func TestApproveExplicitTime(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ids := enqueueN(t, svc, 2)
	ctx := context.Background()

	past := monday.Add(-time.Hour)
	if _, err := svc.Approve(ctx, ids[0], &past); !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("past time: expected ErrInvalidInput, got %v", err)
	}

	at := monday.Add(2 * time.Hour)
	ch, err := svc.Approve(ctx, ids[0], &at)
	if err != nil {
		t.Fatalf("Approve explicit: %v", err)
	}
	if ch.ScheduledAt == nil || !ch.ScheduledAt.Equal(at) {
		t.Fatalf("ScheduledAt = %v, want %v", ch.ScheduledAt, at)
	}

	// The same instant is now occupied; no auto-search fallback for
	// explicit times.
	if _, err := svc.Approve(ctx, ids[1], &at); !errors.Is(err, types.ErrConflict) {
		t.Fatalf("occupied slot: expected ErrConflict, got %v", err)
	}
}

func TestApproveRejectsScheduled(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ids := enqueueN(t, svc, 1)
	ctx := context.Background()

	if _, err := svc.Approve(ctx, ids[0], nil); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := svc.Approve(ctx, ids[0], nil); !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestApproveSkipsOccupiedSlots(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ids := enqueueN(t, svc, 2)
	ctx := context.Background()

	first, err := svc.Approve(ctx, ids[0], nil)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	second, err := svc.Approve(ctx, ids[1], nil)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !first.ScheduledAt.Equal(slot1) || !second.ScheduledAt.Equal(slot2) {
		t.Fatalf("slots = %v, %v; want %v, %v", first.ScheduledAt, second.ScheduledAt, slot1, slot2)
	}
}

func TestApproveReserveFailureLeavesApproved(t *testing.T) {
	t.Parallel()
	svc, msg, st := newTestService(t)
	ids := enqueueN(t, svc, 1)
	ctx := context.Background()

	msg.reserveErr = errors.New("slack is down")
	if _, err := svc.Approve(ctx, ids[0], nil); !errors.Is(err, types.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}

	ch, err := st.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ch.Status != types.StatusApproved {
		t.Fatalf("status = %s, want approved", ch.Status)
	}
	if ch.ScheduledAt != nil || ch.ReservationID != "" {
		t.Fatalf("schedule state leaked on failure: %+v", ch)
	}

	// A later approve finishes the job once the upstream recovers.
	msg.reserveErr = nil
	ch, err = svc.Approve(ctx, ids[0], nil)
	if err != nil {
		t.Fatalf("Approve retry: %v", err)
	}
	if ch.Status != types.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", ch.Status)
	}
}

func TestAutoSchedule(t *testing.T) {
	t.Parallel()
	svc, msg, st := newTestService(t)
	ids := enqueueN(t, svc, 3)
	ctx := context.Background()

	// Leave three approved-but-unscheduled items behind a flaky upstream.
	msg.reserveErr = errors.New("down")
	for _, id := range ids {
		if _, err := svc.Approve(ctx, id, nil); !errors.Is(err, types.ErrUpstreamUnavailable) {
			t.Fatalf("Approve(%d): %v", id, err)
		}
	}
	msg.reserveErr = nil

	n, err := svc.AutoSchedule(ctx, 2)
	if err != nil {
		t.Fatalf("AutoSchedule: %v", err)
	}
	if n != 2 {
		t.Fatalf("scheduled %d, want 2", n)
	}

	scheduled, err := st.ListByStatus(ctx, types.StatusScheduled)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(scheduled) != 2 {
		t.Fatalf("scheduled rows = %d, want 2", len(scheduled))
	}
	if !scheduled[0].ScheduledAt.Equal(slot1) || !scheduled[1].ScheduledAt.Equal(slot2) {
		t.Fatalf("slots = %v, %v", scheduled[0].ScheduledAt, scheduled[1].ScheduledAt)
	}

	if _, err := svc.AutoSchedule(ctx, 0); !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("count 0: expected ErrInvalidInput, got %v", err)
	}
}

func TestUnscheduleRollsBackToPending(t *testing.T) {
	t.Parallel()
	svc, msg, _ := newTestService(t)
	ids := enqueueN(t, svc, 3)
	ctx := context.Background()

	ch, err := svc.Approve(ctx, ids[0], nil)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	handle := ch.ReservationID

	ch, err = svc.Unschedule(ctx, ids[0])
	if err != nil {
		t.Fatalf("Unschedule: %v", err)
	}
	if ch.Status != types.StatusPending {
		t.Fatalf("status = %s, want pending", ch.Status)
	}
	if ch.Position == nil || *ch.Position != 3 {
		t.Fatalf("position = %v, want 3 (end of pending)", ch.Position)
	}
	if len(msg.cancelled) != 1 || msg.cancelled[0] != handle {
		t.Fatalf("cancelled = %v, want [%s]", msg.cancelled, handle)
	}

	if _, err := svc.Unschedule(ctx, ids[0]); !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("unscheduling a pending item: expected ErrInvalidInput, got %v", err)
	}
}

func TestDeleteScheduledCancelsReservation(t *testing.T) {
	t.Parallel()
	svc, msg, st := newTestService(t)
	ids := enqueueN(t, svc, 2)
	ctx := context.Background()

	ch, err := svc.Approve(ctx, ids[0], nil)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := svc.Delete(ctx, ids[0]); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(msg.cancelled) != 1 || msg.cancelled[0] != ch.ReservationID {
		t.Fatalf("cancelled = %v", msg.cancelled)
	}
	if _, err := st.Get(ctx, ids[0]); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("row survived delete: %v", err)
	}
}

func TestPostNextDeliversAndArchives(t *testing.T) {
	t.Parallel()
	svc, msg, st := newTestService(t)
	ids := enqueueN(t, svc, 2)
	ctx := context.Background()

	// Park the first item in approved.
	msg.reserveErr = errors.New("down")
	if _, err := svc.Approve(ctx, ids[0], nil); !errors.Is(err, types.ErrUpstreamUnavailable) {
		t.Fatalf("Approve: %v", err)
	}
	msg.reserveErr = nil

	ch, err := svc.PostNext(ctx)
	if err != nil {
		t.Fatalf("PostNext: %v", err)
	}
	if ch.ID != ids[0] {
		t.Fatalf("delivered %d, want %d", ch.ID, ids[0])
	}
	if len(msg.delivered) != 1 {
		t.Fatalf("delivered calls = %d", len(msg.delivered))
	}
	if _, err := st.Get(ctx, ids[0]); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("delivered challenge still in active table: %v", err)
	}

	// Nothing approved left.
	if _, err := svc.PostNext(ctx); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestArchiveDeliveredIsIdempotent(t *testing.T) {
	t.Parallel()
	svc, _, st := newTestService(t)
	ids := enqueueN(t, svc, 1)
	ctx := context.Background()

	if err := svc.ArchiveDelivered(ctx, ids[0], "171.001"); err != nil {
		t.Fatalf("ArchiveDelivered: %v", err)
	}
	if err := svc.ArchiveDelivered(ctx, ids[0], "171.001"); err != nil {
		t.Fatalf("second ArchiveDelivered: %v", err)
	}
	if _, err := st.Get(ctx, ids[0]); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("archived row still active: %v", err)
	}
}

func TestReconcile(t *testing.T) {
	t.Parallel()
	svc, msg, st := newTestService(t)
	ids := enqueueN(t, svc, 2)
	ctx := context.Background()

	if _, err := svc.Approve(ctx, ids[0], nil); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	// The remote side dropped our reservation and grew an unknown one.
	msg.remote = []types.Reservation{{Handle: "Qorphan", PostAt: slot2}}

	rep, err := svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.Recovered != 1 || rep.Cancelled != 1 {
		t.Fatalf("report = %+v, want Recovered=1 Cancelled=1", rep)
	}

	ch, err := st.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ch.Status != types.StatusPending || ch.ReservationID != "" {
		t.Fatalf("recovered challenge not pending: %+v", ch)
	}
	found := false
	for _, h := range msg.cancelled {
		if h == "Qorphan" {
			found = true
		}
	}
	if !found {
		t.Fatalf("orphan not cancelled: %v", msg.cancelled)
	}
}

func TestPeekNextPrefersApproved(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ids := enqueueN(t, svc, 2)
	ctx := context.Background()

	if _, err := svc.PeekNext(ctx); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("empty approved set: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Approve(ctx, ids[1], nil); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	ch, err := svc.PeekNext(ctx)
	if err != nil {
		t.Fatalf("PeekNext: %v", err)
	}
	if ch.ID != ids[1] {
		t.Fatalf("PeekNext = %d, want %d", ch.ID, ids[1])
	}
}
