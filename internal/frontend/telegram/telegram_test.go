package telegram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"innkeep/internal/channel"
	"innkeep/internal/deliverylog"
)

func TestFormatAttemptsEmpty(t *testing.T) {
	assert.Equal(t, "no delivery attempts recorded", formatAttempts(nil))
}

func TestFormatAttempts(t *testing.T) {
	at := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)
	out := formatAttempts([]deliverylog.Attempt{
		{
			RequestID:     "req-2",
			AttemptNumber: 2,
			Channel:       channel.Email,
			StartedAt:     at,
			Outcome:       channel.Sent,
			TransportCode: 250,
			Recipient:     "guest@example.com",
		},
		{
			RequestID:     "req-2",
			AttemptNumber: 1,
			Channel:       channel.Email,
			StartedAt:     at.Add(-time.Minute),
			Outcome:       channel.Failed,
			TransportCode: 421,
			ErrorMessage:  "greylisted, try again later",
			Recipient:     "guest@example.com",
		},
	})

	assert.Contains(t, out, "last 2 delivery attempts")
	assert.Contains(t, out, "✅ 03-01 14:30")
	assert.Contains(t, out, "email #2")
	assert.Contains(t, out, "[250]")
	assert.Contains(t, out, "❌")
	assert.Contains(t, out, "greylisted")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "0123456789…", truncate("0123456789abcdef", 10))
}
