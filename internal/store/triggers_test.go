package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertTriggerIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	tr := Trigger{SubjectType: SubjectTask, SubjectID: 1, FireAt: at, OffsetLabel: "due"}
	require.NoError(t, s.InsertTrigger(ctx, tr))
	require.NoError(t, s.InsertTrigger(ctx, tr))

	trs, err := s.TriggersForSubject(ctx, SubjectTask, 1)
	require.NoError(t, err)
	assert.Len(t, trs, 1)
}

func TestRescheduleAfterSupersedeCreatesFreshTrigger(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	tr := Trigger{SubjectType: SubjectTask, SubjectID: 1, FireAt: at, OffsetLabel: "due"}
	require.NoError(t, s.InsertTrigger(ctx, tr))
	n, err := s.SupersedeForSubject(ctx, SubjectTask, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// Terminal rows must not block re-arming the same (subject, offset).
	tr.FireAt = at.Add(time.Hour)
	require.NoError(t, s.InsertTrigger(ctx, tr))

	trs, err := s.TriggersForSubject(ctx, SubjectTask, 1)
	require.NoError(t, err)
	require.Len(t, trs, 2, "audit row kept next to the fresh trigger")

	var pending []Trigger
	for _, got := range trs {
		if !got.Fired {
			pending = append(pending, got)
		}
	}
	require.Len(t, pending, 1)
	assert.Equal(t, tr.FireAt.UnixMilli(), pending[0].FireAt.UnixMilli())

	due, err := s.DueTriggers(ctx, at.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1, "only the fresh trigger is eligible to fire")
}

func TestDueTriggersOrderAndLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertTrigger(ctx, Trigger{
			SubjectType: SubjectTask,
			SubjectID:   int64(i + 1),
			FireAt:      now.Add(-time.Duration(i) * time.Minute),
			OffsetLabel: "due",
		}))
	}
	// Future trigger never shows up.
	require.NoError(t, s.InsertTrigger(ctx, Trigger{
		SubjectType: SubjectTask, SubjectID: 99, FireAt: now.Add(time.Hour), OffsetLabel: "due",
	}))

	due, err := s.DueTriggers(ctx, now, 3)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.True(t, due[0].FireAt.Before(due[1].FireAt), "oldest first")
	for _, tr := range due {
		assert.NotEqual(t, int64(99), tr.SubjectID)
	}
}

func TestMarkFiredIsCompareAndSet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertTrigger(ctx, Trigger{
		SubjectType: SubjectTask, SubjectID: 1, FireAt: time.Now(), OffsetLabel: "due",
	}))
	trs, err := s.TriggersForSubject(ctx, SubjectTask, 1)
	require.NoError(t, err)
	id := trs[0].ID

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.MarkFired(ctx, id)
			if err == nil && won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load(), "exactly one caller wins the flip")

	got, err := s.Trigger(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Fired)
	assert.Equal(t, TriggerFired, got.Outcome)
}

func TestSupersedeForSubject(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	labels := []string{"before-2h", "before-1h", "before-30m"}
	for _, l := range labels {
		require.NoError(t, s.InsertTrigger(ctx, Trigger{
			SubjectType: SubjectEvent, SubjectID: 7, FireAt: now, OffsetLabel: l,
		}))
	}
	trs, err := s.TriggersForSubject(ctx, SubjectEvent, 7)
	require.NoError(t, err)
	won, err := s.MarkFired(ctx, trs[0].ID)
	require.NoError(t, err)
	require.True(t, won)

	n, err := s.SupersedeForSubject(ctx, SubjectEvent, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "only pending triggers superseded")

	trs, err = s.TriggersForSubject(ctx, SubjectEvent, 7)
	require.NoError(t, err)
	var fired, superseded int
	for _, tr := range trs {
		switch tr.Outcome {
		case TriggerFired:
			fired++
		case TriggerSuperseded:
			superseded++
		}
	}
	assert.Equal(t, 1, fired)
	assert.Equal(t, 2, superseded)
}

func TestSubjectViews(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	taskID, err := s.CreateTask(ctx, "Polish silverware", "Mia", "mia@hotel.example", "email", 5, now)
	require.NoError(t, err)
	sub, err := s.Subject(ctx, SubjectTask, taskID)
	require.NoError(t, err)
	assert.Equal(t, "Polish silverware", sub.Title)
	assert.Equal(t, "assigned to Mia", sub.Detail)
	assert.False(t, sub.Resolved)
	assert.Equal(t, now.UnixMilli(), sub.DueAt.UnixMilli())

	require.NoError(t, s.CompleteTask(ctx, taskID))
	sub, err = s.Subject(ctx, SubjectTask, taskID)
	require.NoError(t, err)
	assert.True(t, sub.Resolved)

	eventID, err := s.CreateEvent(ctx, "Wine tasting", "Cellar", "host@hotel.example", "email", now)
	require.NoError(t, err)
	require.NoError(t, s.CancelEvent(ctx, eventID))
	sub, err = s.Subject(ctx, SubjectEvent, eventID)
	require.NoError(t, err)
	assert.True(t, sub.Resolved)

	_, err = s.Subject(ctx, SubjectTask, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDueSubjects(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.CreateTask(ctx, "Overdue one", "Jo", "jo@hotel.example", "email", 3, now.Add(-time.Hour))
	require.NoError(t, err)
	doneID, err := s.CreateTask(ctx, "Finished one", "Jo", "jo@hotel.example", "email", 3, now.Add(-2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.CompleteTask(ctx, doneID))
	_, err = s.CreateTask(ctx, "Future one", "Jo", "jo@hotel.example", "email", 3, now.Add(time.Hour))
	require.NoError(t, err)

	due, err := s.DueSubjects(ctx, SubjectTask, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "Overdue one", due[0].Title)
}
