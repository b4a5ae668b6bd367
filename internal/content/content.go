// Package content composes notification text. The scheduler hands it the
// subject of a trigger and gets a ready-to-send message back; if composition
// fails the dispatcher still sends a minimal fallback so the reminder is
// never silently dropped.
package content

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"innkeep/internal/channel"
)

// Info is everything templates may reference.
type Info struct {
	Origin      string
	Title       string
	Detail      string
	Recipient   string
	DueAt       time.Time
	Now         time.Time
	OffsetLabel string
	Priority    int
}

// Message is a composed notification.
type Message struct {
	Subject string
	Body    string
}

// Generator turns trigger subjects into message text.
type Generator interface {
	Generate(ctx context.Context, info Info) (Message, error)
}

// Templated is the default Generator: one text/template per origin.
type Templated struct {
	tmpl *template.Template
}

const defaultTemplates = `
{{define "task_due_subject"}}Reminder: {{.Title}}{{end}}
{{define "task_due"}}Task "{{.Title}}" ({{.Detail}}) is due {{due .}}.{{if overdue .}} It is overdue — please resolve or reassign it.{{end}}{{end}}

{{define "shift_alarm_subject"}}Shift ending soon: {{.Title}}{{end}}
{{define "shift_alarm"}}{{.Detail}}, your shift "{{.Title}}" ends {{due .}}. Please complete the handover notes.{{end}}

{{define "event_alarm_subject"}}Upcoming: {{.Title}}{{end}}
{{define "event_alarm"}}Event "{{.Title}}" starts {{due .}}.{{if .Detail}} {{.Detail}}{{end}}{{end}}
`

func NewTemplated() (*Templated, error) {
	funcs := template.FuncMap{
		"due":     describeDue,
		"overdue": func(i Info) bool { return !i.DueAt.IsZero() && i.DueAt.Before(i.Now) },
	}
	tmpl, err := template.New("content").Funcs(funcs).Parse(defaultTemplates)
	if err != nil {
		return nil, fmt.Errorf("content: parsing templates: %w", err)
	}
	return &Templated{tmpl: tmpl}, nil
}

func (t *Templated) Generate(_ context.Context, info Info) (Message, error) {
	if info.Now.IsZero() {
		info.Now = time.Now()
	}

	var body bytes.Buffer
	if err := t.tmpl.ExecuteTemplate(&body, info.Origin, info); err != nil {
		return Message{}, fmt.Errorf("content: %q body: %w", info.Origin, err)
	}
	var subject bytes.Buffer
	if err := t.tmpl.ExecuteTemplate(&subject, info.Origin+"_subject", info); err != nil {
		return Message{}, fmt.Errorf("content: %q subject: %w", info.Origin, err)
	}
	return Message{
		Subject: strings.TrimSpace(subject.String()),
		Body:    strings.TrimSpace(body.String()),
	}, nil
}

// Fallback is the minimal message used when Generate fails. It names the
// subject and the due time and nothing else.
func Fallback(info Info) Message {
	subject := "Reminder: " + info.Title
	body := fmt.Sprintf("Reminder: %q", info.Title)
	if !info.DueAt.IsZero() {
		body += " at " + info.DueAt.Format("2006-01-02 15:04")
	}
	return Message{Subject: subject, Body: body + "."}
}

// describeDue renders the due time relative to now: "in 30 minutes",
// "2 days ago", or the absolute time for far-away instants.
func describeDue(i Info) string {
	if i.DueAt.IsZero() {
		return "soon"
	}
	d := i.DueAt.Sub(i.Now)
	switch {
	case d >= 0 && d < time.Minute:
		return "now"
	case d > 0 && d <= 48*time.Hour:
		return "in " + humanDuration(d)
	case d < 0 && -d <= 48*time.Hour:
		return humanDuration(-d) + " ago"
	default:
		return "at " + i.DueAt.Format("2006-01-02 15:04")
	}
}

func humanDuration(d time.Duration) string {
	switch {
	case d < time.Hour:
		m := int(d.Round(time.Minute) / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	case d < 24*time.Hour:
		h := int(d.Round(time.Hour) / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	default:
		days := int(d.Round(24*time.Hour) / (24 * time.Hour))
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

// Origins the templated generator understands; anything else falls back.
func (t *Templated) Supports(origin string) bool {
	switch origin {
	case channel.OriginTaskDue, channel.OriginShiftAlarm, channel.OriginEventAlarm:
		return true
	}
	return false
}
