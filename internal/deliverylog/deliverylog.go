// Package deliverylog is the append-only audit trail of delivery attempts.
// Rows are never updated or deleted; every attempt, successful or not, leaves
// exactly one row.
package deliverylog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"innkeep/internal/channel"
	logx "innkeep/pkg/logx"
)

// ErrLogPersist marks a failure to persist an attempt row. The dispatcher
// surfaces it separately from delivery failure: the message may well have
// been sent even though the record was lost.
var ErrLogPersist = errors.New("deliverylog: persist failed")

// Attempt is one delivery attempt of one request. The (RequestID,
// AttemptNumber) pair is the primary key; numbers are contiguous from 1.
type Attempt struct {
	RequestID        string          `db:"request_id"`
	AttemptNumber    int             `db:"attempt_number"`
	CorrelationID    string          `db:"correlation_id"`
	Channel          channel.Kind    `db:"channel"`
	StartedAt        time.Time       `db:"-"`
	FinishedAt       time.Time       `db:"-"`
	Outcome          channel.Outcome `db:"outcome"`
	TransportCode    int             `db:"transport_code"`
	TransportMessage string          `db:"transport_message"`
	ErrorMessage     string          `db:"error_message"`
	PayloadSizeBytes int             `db:"payload_size_bytes"`
	SenderIdentity   string          `db:"sender_identity"`
	Recipient        string          `db:"recipient_identity"`
	ActorUserID      int64           `db:"actor_user_id"`
}

type Log struct {
	db  *sqlx.DB
	log logx.Logger
}

func New(db *sqlx.DB, log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{db: db, log: log}
}

// Append writes one attempt row. Duplicate (request, attempt) pairs are a
// programming error and surface as ErrLogPersist like any other insert
// failure.
func (l *Log) Append(ctx context.Context, a Attempt) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO delivery_attempts
		   (request_id, attempt_number, correlation_id, channel, started_at, finished_at,
		    outcome, transport_code, transport_message, error_message,
		    payload_size_bytes, sender_identity, recipient_identity, actor_user_id)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.RequestID, a.AttemptNumber, a.CorrelationID, string(a.Channel),
		a.StartedAt.UnixMilli(), a.FinishedAt.UnixMilli(),
		string(a.Outcome), a.TransportCode, a.TransportMessage, a.ErrorMessage,
		a.PayloadSizeBytes, a.SenderIdentity, a.Recipient, a.ActorUserID,
	)
	if err != nil {
		l.log.Error("delivery attempt not persisted",
			logx.String("request_id", a.RequestID),
			logx.Int("attempt", a.AttemptNumber),
			logx.Err(err),
		)
		return fmt.Errorf("%w: %v", ErrLogPersist, err)
	}
	return nil
}

// NextAttempt returns the attempt number the next try of requestID should
// carry. Reading MAX from the table keeps numbering contiguous across
// process restarts.
func (l *Log) NextAttempt(ctx context.Context, requestID string) (int, error) {
	var last int
	err := l.db.GetContext(ctx, &last,
		`SELECT COALESCE(MAX(attempt_number), 0) FROM delivery_attempts WHERE request_id = ?`,
		requestID)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

// Filter narrows a Query. Zero values mean "any".
type Filter struct {
	RequestID string
	Outcome   channel.Outcome
	Channel   channel.Kind
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// Query returns attempts newest-first.
func (l *Log) Query(ctx context.Context, f Filter) ([]Attempt, error) {
	var (
		conds []string
		args  []any
	)
	if f.RequestID != "" {
		conds = append(conds, "request_id = ?")
		args = append(args, f.RequestID)
	}
	if f.Outcome != "" {
		conds = append(conds, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if f.Channel != "" {
		conds = append(conds, "channel = ?")
		args = append(args, string(f.Channel))
	}
	if !f.From.IsZero() {
		conds = append(conds, "started_at >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		conds = append(conds, "started_at < ?")
		args = append(args, f.To.UnixMilli())
	}

	q := `SELECT request_id, attempt_number, correlation_id, channel, started_at, finished_at,
	             outcome, transport_code, transport_message, error_message,
	             payload_size_bytes, sender_identity, recipient_identity, actor_user_id
	      FROM delivery_attempts`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY started_at DESC, attempt_number DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := l.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a        Attempt
			started  int64
			finished int64
		)
		if err := rows.Scan(
			&a.RequestID, &a.AttemptNumber, &a.CorrelationID, &a.Channel,
			&started, &finished,
			&a.Outcome, &a.TransportCode, &a.TransportMessage, &a.ErrorMessage,
			&a.PayloadSizeBytes, &a.SenderIdentity, &a.Recipient, &a.ActorUserID,
		); err != nil {
			return nil, err
		}
		a.StartedAt = time.UnixMilli(started)
		a.FinishedAt = time.UnixMilli(finished)
		out = append(out, a)
	}
	return out, rows.Err()
}

// AttemptsFor returns all attempts of one request, oldest first.
func (l *Log) AttemptsFor(ctx context.Context, requestID string) ([]Attempt, error) {
	attempts, err := l.Query(ctx, Filter{RequestID: requestID, Limit: 1000})
	if err != nil {
		return nil, err
	}
	// Query is newest-first; flip for callers walking the retry history.
	for i, j := 0, len(attempts)-1; i < j; i, j = i+1, j-1 {
		attempts[i], attempts[j] = attempts[j], attempts[i]
	}
	return attempts, nil
}
