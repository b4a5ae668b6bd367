// Package channel defines the contract between the dispatcher and the
// concrete delivery transports (email, WhatsApp).
package channel

import (
	"context"
	"time"
)

// Kind names a delivery transport.
type Kind string

const (
	Email    Kind = "email"
	WhatsApp Kind = "whatsapp"
)

// Origin records why a notification exists.
const (
	OriginTaskDue    = "task_due"
	OriginShiftAlarm = "shift_alarm"
	OriginEventAlarm = "event_alarm"
	OriginBulkSend   = "bulk_send"
	OriginAdmin      = "admin"
)

// Request is one notification to deliver. Immutable once handed to the
// dispatcher; retries reuse the same request under the same ID.
type Request struct {
	ID            string
	Channel       Kind
	Recipient     string
	RecipientName string
	Subject       string
	Body          string
	Priority      int
	CreatedAt     time.Time
	Origin        string
	// CorrelationID groups the requests of one bulk send or one trigger.
	CorrelationID string
	// ActorUserID is the chat user who caused the send, 0 for scheduled sends.
	ActorUserID int64
}

// Credential is the decrypted material an adapter needs for one send. It is
// resolved from the vault per dispatch and never stored or logged.
type Credential struct {
	Username string
	Secret   string
	// Sender is the transport-level from address or number.
	Sender string
}

// Outcome classifies the terminal state of a single attempt.
type Outcome string

const (
	Sent   Outcome = "sent"
	Failed Outcome = "failed"
	Queued Outcome = "queued"
)

// Result is what one Send attempt produced. Err carries the transport error
// when Outcome is Failed; Permanent tells the dispatcher not to retry.
type Result struct {
	Outcome          Outcome
	TransportCode    int
	TransportMessage string
	Err              error
	Permanent        bool
	// PayloadSize is the on-the-wire size in bytes, measured before sending.
	PayloadSize int
}

// Adapter delivers a single notification over one transport. Send must honor
// ctx cancellation and must never retry internally; retry policy belongs to
// the dispatcher.
type Adapter interface {
	Kind() Kind
	Send(ctx context.Context, req Request, cred Credential) Result
}
