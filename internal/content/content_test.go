package content

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"innkeep/internal/channel"
)

func TestTaskDueMessage(t *testing.T) {
	g, err := NewTemplated()
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	msg, err := g.Generate(context.Background(), Info{
		Origin: channel.OriginTaskDue,
		Title:  "Restock minibar 204",
		Detail: "assigned to Mia",
		DueAt:  now.Add(30 * time.Minute),
		Now:    now,
	})
	require.NoError(t, err)
	assert.Equal(t, "Reminder: Restock minibar 204", msg.Subject)
	assert.Contains(t, msg.Body, "Restock minibar 204")
	assert.Contains(t, msg.Body, "in 30 minutes")
	assert.NotContains(t, msg.Body, "overdue")
}

func TestOverdueTaskMentionsEscalation(t *testing.T) {
	g, err := NewTemplated()
	require.NoError(t, err)

	now := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	msg, err := g.Generate(context.Background(), Info{
		Origin: channel.OriginTaskDue,
		Title:  "Fix lobby AC",
		Detail: "assigned to Jo",
		DueAt:  now.Add(-26 * time.Hour),
		Now:    now,
	})
	require.NoError(t, err)
	assert.Contains(t, msg.Body, "overdue")
	assert.Contains(t, msg.Body, "ago")
}

func TestShiftAlarmMessage(t *testing.T) {
	g, err := NewTemplated()
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 21, 30, 0, 0, time.UTC)
	msg, err := g.Generate(context.Background(), Info{
		Origin: channel.OriginShiftAlarm,
		Title:  "Evening reception",
		Detail: "Sam",
		DueAt:  now.Add(30 * time.Minute),
		Now:    now,
	})
	require.NoError(t, err)
	assert.Contains(t, msg.Subject, "Shift ending soon")
	assert.Contains(t, msg.Body, "handover")
}

func TestUnknownOriginFails(t *testing.T) {
	g, err := NewTemplated()
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), Info{Origin: "mystery", Title: "x"})
	assert.Error(t, err)
	assert.False(t, g.Supports("mystery"))
}

func TestFallbackNeverFails(t *testing.T) {
	msg := Fallback(Info{Title: "Pool maintenance", DueAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)})
	assert.Equal(t, "Reminder: Pool maintenance", msg.Subject)
	assert.Contains(t, msg.Body, "2026-03-01 08:00")

	noDue := Fallback(Info{Title: "Pool maintenance"})
	assert.Contains(t, noDue.Body, "Pool maintenance")
}
