package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SubjectType identifies what kind of record a trigger points at.
type SubjectType string

const (
	SubjectTask  SubjectType = "task"
	SubjectShift SubjectType = "shift"
	SubjectEvent SubjectType = "event"
)

// Subject is the scheduler's read-only view of a record. The scheduler never
// mutates records; it only needs enough state to compose a notification and
// to decide whether the trigger is still worth firing.
type Subject struct {
	Type      SubjectType
	ID        int64
	Title     string
	Detail    string
	Recipient string
	Channel   string
	Priority  int
	DueAt     time.Time
	// Resolved means the subject no longer needs notifications:
	// task completed, event cancelled, shift ended.
	Resolved bool
}

type taskRow struct {
	ID          int64  `db:"id"`
	Description string `db:"description"`
	Assignee    string `db:"assignee"`
	Recipient   string `db:"recipient"`
	Channel     string `db:"channel"`
	Priority    int    `db:"priority"`
	DueAt       int64  `db:"due_at"`
	Status      string `db:"status"`
}

type shiftRow struct {
	ID        int64  `db:"id"`
	Name      string `db:"name"`
	Employee  string `db:"employee"`
	Recipient string `db:"recipient"`
	Channel   string `db:"channel"`
	StartAt   int64  `db:"start_at"`
	EndAt     int64  `db:"end_at"`
	Status    string `db:"status"`
}

type eventRow struct {
	ID        int64  `db:"id"`
	Title     string `db:"title"`
	Detail    string `db:"detail"`
	Recipient string `db:"recipient"`
	Channel   string `db:"channel"`
	StartAt   int64  `db:"start_at"`
	Cancelled bool   `db:"cancelled"`
}

// Subject fetches one record as a Subject. Returns ErrNotFound when the
// record does not exist (the caller supersedes the trigger in that case).
func (s *Store) Subject(ctx context.Context, typ SubjectType, id int64) (Subject, error) {
	switch typ {
	case SubjectTask:
		var r taskRow
		err := s.db.GetContext(ctx, &r,
			`SELECT id, description, assignee, recipient, channel, priority, due_at, status
			 FROM tasks WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return Subject{}, ErrNotFound
		}
		if err != nil {
			return Subject{}, err
		}
		return Subject{
			Type:      SubjectTask,
			ID:        r.ID,
			Title:     r.Description,
			Detail:    "assigned to " + r.Assignee,
			Recipient: r.Recipient,
			Channel:   r.Channel,
			Priority:  r.Priority,
			DueAt:     time.UnixMilli(r.DueAt),
			Resolved:  r.Status != "open",
		}, nil
	case SubjectShift:
		var r shiftRow
		err := s.db.GetContext(ctx, &r,
			`SELECT id, name, employee, recipient, channel, start_at, end_at, status
			 FROM shifts WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return Subject{}, ErrNotFound
		}
		if err != nil {
			return Subject{}, err
		}
		return Subject{
			Type:      SubjectShift,
			ID:        r.ID,
			Title:     r.Name,
			Detail:    r.Employee,
			Recipient: r.Recipient,
			Channel:   r.Channel,
			DueAt:     time.UnixMilli(r.EndAt),
			Resolved:  r.Status != "scheduled",
		}, nil
	case SubjectEvent:
		var r eventRow
		err := s.db.GetContext(ctx, &r,
			`SELECT id, title, detail, recipient, channel, start_at, cancelled
			 FROM events WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return Subject{}, ErrNotFound
		}
		if err != nil {
			return Subject{}, err
		}
		return Subject{
			Type:      SubjectEvent,
			ID:        r.ID,
			Title:     r.Title,
			Detail:    r.Detail,
			Recipient: r.Recipient,
			Channel:   r.Channel,
			DueAt:     time.UnixMilli(r.StartAt),
			Resolved:  r.Cancelled,
		}, nil
	default:
		return Subject{}, fmt.Errorf("unknown subject type %q", typ)
	}
}

// DueSubjects returns unresolved subjects whose due time is at or before the
// given instant. Used by the scheduler's escalation sweep.
func (s *Store) DueSubjects(ctx context.Context, typ SubjectType, before time.Time) ([]Subject, error) {
	var ids []int64
	var err error
	switch typ {
	case SubjectTask:
		err = s.db.SelectContext(ctx, &ids,
			`SELECT id FROM tasks WHERE status = 'open' AND due_at <= ? ORDER BY due_at ASC`,
			before.UnixMilli())
	case SubjectShift:
		err = s.db.SelectContext(ctx, &ids,
			`SELECT id FROM shifts WHERE status = 'scheduled' AND end_at <= ? ORDER BY end_at ASC`,
			before.UnixMilli())
	case SubjectEvent:
		err = s.db.SelectContext(ctx, &ids,
			`SELECT id FROM events WHERE cancelled = 0 AND start_at <= ? ORDER BY start_at ASC`,
			before.UnixMilli())
	default:
		return nil, fmt.Errorf("unknown subject type %q", typ)
	}
	if err != nil {
		return nil, err
	}
	out := make([]Subject, 0, len(ids))
	for _, id := range ids {
		sub, err := s.Subject(ctx, typ, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// --- record creation helpers (used by the chat front-end and tests) ---

func (s *Store) CreateTask(ctx context.Context, description, assignee, recipient, channel string, priority int, dueAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(description, assignee, recipient, channel, priority, due_at, status, created_at)
		 VALUES(?,?,?,?,?,?,'open',?)`,
		description, assignee, recipient, channel, priority, dueAt.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) CompleteTask(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = 'done' WHERE id = ?`, id)
	return err
}

func (s *Store) CreateShift(ctx context.Context, name, employee, recipient, channel string, startAt, endAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO shifts(name, employee, recipient, channel, start_at, end_at, status, created_at)
		 VALUES(?,?,?,?,?,?,'scheduled',?)`,
		name, employee, recipient, channel, startAt.UnixMilli(), endAt.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) CreateEvent(ctx context.Context, title, detail, recipient, channel string, startAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events(title, detail, recipient, channel, start_at, cancelled, created_at)
		 VALUES(?,?,?,?,?,0,?)`,
		title, detail, recipient, channel, startAt.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) CancelEvent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE events SET cancelled = 1 WHERE id = ?`, id)
	return err
}
