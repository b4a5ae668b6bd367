package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Trigger outcomes. A trigger row is never deleted; superseded triggers keep
// their row for audit history.
const (
	TriggerFired      = "fired"
	TriggerSuperseded = "superseded"
)

// Trigger is one scheduled point in time at which a notification should be
// considered for firing, tied to one subject and one offset.
type Trigger struct {
	ID          int64
	SubjectType SubjectType
	SubjectID   int64
	FireAt      time.Time
	Fired       bool
	Outcome     string
	OffsetLabel string
	CreatedAt   time.Time
}

type triggerRow struct {
	ID          int64  `db:"id"`
	SubjectType string `db:"subject_type"`
	SubjectID   int64  `db:"subject_id"`
	FireAt      int64  `db:"fire_at"`
	Fired       bool   `db:"fired"`
	Outcome     string `db:"outcome"`
	OffsetLabel string `db:"offset_label"`
	CreatedAt   int64  `db:"created_at"`
}

func (r triggerRow) toTrigger() Trigger {
	return Trigger{
		ID:          r.ID,
		SubjectType: SubjectType(r.SubjectType),
		SubjectID:   r.SubjectID,
		FireAt:      time.UnixMilli(r.FireAt),
		Fired:       r.Fired,
		Outcome:     r.Outcome,
		OffsetLabel: r.OffsetLabel,
		CreatedAt:   time.UnixMilli(r.CreatedAt),
	}
}

// InsertTrigger creates one trigger. A (subject, offset) pair is unique among
// pending triggers: re-inserting while one is pending is a no-op, so planning
// is idempotent. Terminal rows don't block insertion, so a subject that was
// superseded (cancelled, rescheduled) can be armed again with fresh triggers
// while the old rows keep the audit history.
func (s *Store) InsertTrigger(ctx context.Context, t Trigger) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO triggers(subject_type, subject_id, fire_at, fired, outcome, offset_label, created_at)
		 VALUES(?,?,?,0,'',?,?)
		 ON CONFLICT DO NOTHING`,
		string(t.SubjectType), t.SubjectID, t.FireAt.UnixMilli(), t.OffsetLabel, t.CreatedAt.UnixMilli(),
	)
	return err
}

// DueTriggers returns pending triggers with fire_at <= now, oldest first.
func (s *Store) DueTriggers(ctx context.Context, now time.Time, limit int) ([]Trigger, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []triggerRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, subject_type, subject_id, fire_at, fired, outcome, offset_label, created_at
		 FROM triggers
		 WHERE fired = 0 AND fire_at <= ?
		 ORDER BY fire_at ASC
		 LIMIT ?`,
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	out := make([]Trigger, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTrigger())
	}
	return out, nil
}

// MarkFired flips fired from false to true for exactly one caller.
// It reports whether this call won the transition; concurrent evaluation
// passes racing on the same trigger see won=false and must emit nothing.
func (s *Store) MarkFired(ctx context.Context, id int64) (won bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET fired = 1, outcome = ? WHERE id = ? AND fired = 0`,
		TriggerFired, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkSuperseded terminates a single pending trigger without firing it.
func (s *Store) MarkSuperseded(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET fired = 1, outcome = ? WHERE id = ? AND fired = 0`,
		TriggerSuperseded, id,
	)
	return err
}

// SupersedeForSubject terminates all pending triggers of a subject, e.g. when
// the subject is completed, cancelled or rescheduled. Returns how many
// triggers were superseded.
func (s *Store) SupersedeForSubject(ctx context.Context, typ SubjectType, subjectID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET fired = 1, outcome = ?
		 WHERE subject_type = ? AND subject_id = ? AND fired = 0`,
		TriggerSuperseded, string(typ), subjectID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TriggersForSubject lists all triggers of one subject, oldest first.
func (s *Store) TriggersForSubject(ctx context.Context, typ SubjectType, subjectID int64) ([]Trigger, error) {
	var rows []triggerRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, subject_type, subject_id, fire_at, fired, outcome, offset_label, created_at
		 FROM triggers
		 WHERE subject_type = ? AND subject_id = ?
		 ORDER BY fire_at ASC`,
		string(typ), subjectID,
	)
	if err != nil {
		return nil, err
	}
	out := make([]Trigger, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTrigger())
	}
	return out, nil
}

// Trigger fetches one trigger by id.
func (s *Store) Trigger(ctx context.Context, id int64) (Trigger, error) {
	var r triggerRow
	err := s.db.GetContext(ctx, &r,
		`SELECT id, subject_type, subject_id, fire_at, fired, outcome, offset_label, created_at
		 FROM triggers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Trigger{}, ErrNotFound
	}
	if err != nil {
		return Trigger{}, err
	}
	return r.toTrigger(), nil
}
