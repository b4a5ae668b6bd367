// Package scheduler owns the trigger table: it plans triggers when records
// are created, evaluates due triggers on a cron cadence, and hands composed
// notifications to the dispatcher. Exactly one evaluation fires any given
// trigger, even with concurrent passes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"innkeep/internal/channel"
	"innkeep/internal/content"
	"innkeep/internal/dispatch"
	"innkeep/internal/store"
	logx "innkeep/pkg/logx"
)

// Offset labels. A (subject, label) pair exists at most once, which is what
// makes trigger planning idempotent.
const (
	LabelDue      = "due"
	LabelBefore2h = "before-2h"
	LabelBefore1h = "before-1h"
	LabelBefore30 = "before-30m"
	LabelShiftEnd = "shift-end"

	escalationPrefix = "overdue+"
)

// Config holds parsed scheduler settings.
type Config struct {
	Enabled bool
	// Interval between evaluation passes.
	Interval time.Duration
	// ScanLimit caps due triggers picked up per pass.
	ScanLimit int
	// EscalationCadence is how often an overdue task re-fires.
	EscalationCadence time.Duration
	// ShiftReminderLead is how long before shift end the alarm fires.
	ShiftReminderLead time.Duration
}

// Sender is the slice of the dispatcher the scheduler needs.
type Sender interface {
	Dispatch(ctx context.Context, req channel.Request) (dispatch.Outcome, error)
}

type Scheduler struct {
	mu sync.Mutex

	log    logx.Logger
	store  *store.Store
	sender Sender
	gen    content.Generator

	cfg Config
	c   *cron.Cron

	// now is swappable for tests.
	now func() time.Time
}

func New(cfg Config, st *store.Store, sender Sender, gen content.Generator, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		log:    log,
		store:  st,
		sender: sender,
		gen:    gen,
		now:    time.Now,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	restart := s.c != nil && cfg.Interval != s.cfg.Interval
	s.applyLocked(cfg)
	s.mu.Unlock()
	if restart {
		s.Stop()
		s.Start(context.Background())
	}
}

func (s *Scheduler) applyLocked(cfg Config) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 200
	}
	if cfg.EscalationCadence <= 0 {
		cfg.EscalationCadence = 24 * time.Hour
	}
	if cfg.ShiftReminderLead <= 0 {
		cfg.ShiftReminderLead = 30 * time.Minute
	}
	s.cfg = cfg
}

// Start begins periodic evaluation. A pass that overruns the interval causes
// the next tick to be skipped rather than overlapped.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	cl := cronLogger{log: s.log.With(logx.String("comp", "scheduler"))}
	s.c = cron.New(cron.WithChain(cron.SkipIfStillRunning(cl)))
	spec := fmt.Sprintf("@every %s", s.cfg.Interval)
	_, err := s.c.AddFunc(spec, func() {
		if err := s.RunPass(ctx); err != nil {
			s.log.Error("evaluation pass failed", logx.Err(err))
		}
	})
	if err != nil {
		s.log.Error("scheduler not started", logx.Err(err))
		s.c = nil
		return
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Duration("interval", s.cfg.Interval))
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// ScheduleTask plans the due trigger and the first escalation for a task.
func (s *Scheduler) ScheduleTask(ctx context.Context, taskID int64, dueAt time.Time) error {
	if err := s.store.InsertTrigger(ctx, store.Trigger{
		SubjectType: store.SubjectTask,
		SubjectID:   taskID,
		FireAt:      dueAt,
		OffsetLabel: LabelDue,
	}); err != nil {
		return err
	}
	return s.store.InsertTrigger(ctx, store.Trigger{
		SubjectType: store.SubjectTask,
		SubjectID:   taskID,
		FireAt:      dueAt.Add(s.escalationCadence()),
		OffsetLabel: escalationLabel(1),
	})
}

// ScheduleEvent plans the three lead-up alarms for an event.
func (s *Scheduler) ScheduleEvent(ctx context.Context, eventID int64, startAt time.Time) error {
	offsets := []struct {
		label string
		lead  time.Duration
	}{
		{LabelBefore2h, 2 * time.Hour},
		{LabelBefore1h, time.Hour},
		{LabelBefore30, 30 * time.Minute},
	}
	for _, o := range offsets {
		if err := s.store.InsertTrigger(ctx, store.Trigger{
			SubjectType: store.SubjectEvent,
			SubjectID:   eventID,
			FireAt:      startAt.Add(-o.lead),
			OffsetLabel: o.label,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleShiftReminder plans the end-of-shift alarm.
func (s *Scheduler) ScheduleShiftReminder(ctx context.Context, shiftID int64, endAt time.Time) error {
	s.mu.Lock()
	lead := s.cfg.ShiftReminderLead
	s.mu.Unlock()
	return s.store.InsertTrigger(ctx, store.Trigger{
		SubjectType: store.SubjectShift,
		SubjectID:   shiftID,
		FireAt:      endAt.Add(-lead),
		OffsetLabel: LabelShiftEnd,
	})
}

// CancelSubject supersedes every pending trigger of a subject. Called when a
// task completes, an event is cancelled, or a shift is dropped.
func (s *Scheduler) CancelSubject(ctx context.Context, typ store.SubjectType, id int64) (int64, error) {
	n, err := s.store.SupersedeForSubject(ctx, typ, id)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Debug("triggers superseded",
			logx.String("subject_type", string(typ)),
			logx.Int64("subject_id", id),
			logx.Int64("count", n),
		)
	}
	return n, nil
}

// RunPass evaluates all currently due triggers once. Safe to call
// concurrently: the fired flip is a compare-and-set, so racing passes agree
// on a single winner per trigger.
func (s *Scheduler) RunPass(ctx context.Context) error {
	s.mu.Lock()
	limit := s.cfg.ScanLimit
	s.mu.Unlock()

	now := s.now()
	due, err := s.store.DueTriggers(ctx, now, limit)
	if err != nil {
		return fmt.Errorf("scanning due triggers: %w", err)
	}
	for _, t := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.evaluate(ctx, t, now); err != nil {
			s.log.Error("trigger evaluation failed",
				logx.Int64("trigger_id", t.ID),
				logx.Err(err),
			)
		}
	}
	return nil
}

func (s *Scheduler) evaluate(ctx context.Context, t store.Trigger, now time.Time) error {
	sub, err := s.store.Subject(ctx, t.SubjectType, t.SubjectID)
	if errors.Is(err, store.ErrNotFound) {
		return s.store.MarkSuperseded(ctx, t.ID)
	}
	if err != nil {
		return err
	}
	if sub.Resolved {
		// Completed task, cancelled event, ended shift: nothing to say.
		return s.store.MarkSuperseded(ctx, t.ID)
	}

	req := s.compose(ctx, t, sub, now)

	won, err := s.store.MarkFired(ctx, t.ID)
	if err != nil {
		return err
	}
	if !won {
		// A concurrent pass got here first; it owns the send.
		return nil
	}

	if s.sender != nil {
		out, err := s.sender.Dispatch(ctx, req)
		if err != nil {
			s.log.Warn("trigger fired but not dispatched",
				logx.Int64("trigger_id", t.ID),
				logx.String("request_id", req.ID),
				logx.Err(err),
			)
		} else if out.Outcome != channel.Sent {
			s.log.Warn("trigger notification failed",
				logx.Int64("trigger_id", t.ID),
				logx.String("request_id", out.RequestID),
				logx.Int("attempts", out.Attempts),
				logx.Err(out.Err),
			)
		}
	}

	// Chain the next escalation while the task stays open.
	if t.SubjectType == store.SubjectTask && isEscalatable(t.OffsetLabel) {
		next := escalationStep(t.OffsetLabel) + 1
		if err := s.store.InsertTrigger(ctx, store.Trigger{
			SubjectType: store.SubjectTask,
			SubjectID:   t.SubjectID,
			FireAt:      t.FireAt.Add(s.escalationCadence()),
			OffsetLabel: escalationLabel(next),
		}); err != nil {
			return fmt.Errorf("chaining escalation: %w", err)
		}
	}
	return nil
}

// compose builds the notification request for a trigger, falling back to a
// minimal line when the generator cannot.
func (s *Scheduler) compose(ctx context.Context, t store.Trigger, sub store.Subject, now time.Time) channel.Request {
	origin := originFor(t.SubjectType)
	info := content.Info{
		Origin:      origin,
		Title:       sub.Title,
		Detail:      sub.Detail,
		Recipient:   sub.Recipient,
		DueAt:       sub.DueAt,
		Now:         now,
		OffsetLabel: t.OffsetLabel,
		Priority:    sub.Priority,
	}
	var msg content.Message
	if s.gen != nil {
		m, err := s.gen.Generate(ctx, info)
		if err != nil {
			s.log.Warn("content generation failed, using fallback",
				logx.Int64("trigger_id", t.ID),
				logx.Err(err),
			)
			m = content.Fallback(info)
		}
		msg = m
	} else {
		msg = content.Fallback(info)
	}

	kind := channel.Kind(sub.Channel)
	if kind == "" {
		kind = channel.Email
	}
	return channel.Request{
		ID:            fmt.Sprintf("trg-%d", t.ID),
		Channel:       kind,
		Recipient:     sub.Recipient,
		Subject:       msg.Subject,
		Body:          msg.Body,
		Priority:      sub.Priority,
		CreatedAt:     now,
		Origin:        origin,
		CorrelationID: fmt.Sprintf("%s-%d", sub.Type, sub.ID),
	}
}

func (s *Scheduler) escalationCadence() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.EscalationCadence
}

func originFor(typ store.SubjectType) string {
	switch typ {
	case store.SubjectTask:
		return channel.OriginTaskDue
	case store.SubjectShift:
		return channel.OriginShiftAlarm
	case store.SubjectEvent:
		return channel.OriginEventAlarm
	default:
		return channel.OriginAdmin
	}
}

// Escalation labels count days overdue: overdue+1d, overdue+2d, ...
// The due trigger itself is escalatable so the first overdue reminder chains
// from it naturally.
func isEscalatable(label string) bool {
	return label == LabelDue || strings.HasPrefix(label, escalationPrefix)
}

func escalationStep(label string) int {
	if label == LabelDue {
		return 0
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(label, escalationPrefix), "d")
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func escalationLabel(step int) string {
	return fmt.Sprintf("%s%dd", escalationPrefix, step)
}

// cronLogger adapts logx to the cron.Logger interface.
type cronLogger struct {
	log logx.Logger
}

func (c cronLogger) Info(msg string, kv ...any) {
	c.log.Debug(msg, logx.Any("kv", kv))
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
