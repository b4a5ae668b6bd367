package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"

	logx "innkeep/pkg/logx"
)

// Manager loads the YAML config and optionally watches it for changes,
// publishing validated snapshots to subscribers.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards the subscriber list so we never send on a channel
	// that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(cfg *Config) error

	// lastHash tracks the last committed content to avoid redundant publishes
	// when an editor emits several write events for one save.
	lastHash uint64
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a validation hook used by Watch() before publishing.
func (m *Manager) SetValidator(fn func(cfg *Config) error) {
	m.validator = fn
}

func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	// Reject unknown keys so typos surface at load time instead of silently
	// falling back to defaults.
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", m.path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// Deliver the latest snapshot; if the subscriber is slow, drop one
		// stale item and retry once.
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}

// Watch blocks until ctx is done, publishing validated config snapshots when
// the file changes on disk. Parse or validation failures keep the previous
// config in effect.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return err
	}

	// Debounce to avoid reloading partial writes.
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			cfg, err := m.Parse()
			if err != nil {
				if !m.log.IsZero() {
					m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
				}
				return
			}
			h := hashConfig(cfg)
			m.mu.RLock()
			unchanged := h != 0 && h == m.lastHash
			m.mu.RUnlock()
			if unchanged {
				return
			}
			if m.validator != nil {
				if err := m.validator(cfg); err != nil {
					if !m.log.IsZero() {
						m.log.Warn("config rejected by validator", logx.Err(err))
					}
					return
				}
			}
			m.Commit(cfg)
			m.publish(cfg)
			if !m.log.IsZero() {
				m.log.Info("config reloaded", logx.String("path", m.path))
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watcher closed")
			}
			if filepath.Base(ev.Name) != filepath.Base(m.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config watcher closed")
			}
			if !m.log.IsZero() {
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Normalize fills defaults for omitted fields.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = "./innkeep.db"
	}
	if strings.TrimSpace(c.Vault.KeyPath) == "" {
		c.Vault.KeyPath = "./innkeep.key"
	}
	if strings.TrimSpace(c.Email.Host) == "" {
		c.Email.Host = "smtp.gmail.com"
	}
	if c.Email.Port <= 0 {
		c.Email.Port = 587
	}
	if strings.TrimSpace(c.WhatsApp.BaseURL) == "" {
		c.WhatsApp.BaseURL = "https://api.twilio.com/2010-04-01"
	}
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.QueueSize <= 0 {
		c.Dispatch.QueueSize = 256
	}
	if c.Dispatch.RatePerSec <= 0 {
		c.Dispatch.RatePerSec = 5
	}
	if c.Dispatch.RetryMax <= 0 {
		c.Dispatch.RetryMax = 2
	}
	if c.Dispatch.RetryBase == "" {
		c.Dispatch.RetryBase = "2s"
	}
	if c.Dispatch.RetryMaxDelay == "" {
		c.Dispatch.RetryMaxDelay = "30s"
	}
	if c.Dispatch.SendTimeout == "" {
		c.Dispatch.SendTimeout = "30s"
	}
	if c.Scheduler.Interval == "" {
		c.Scheduler.Interval = "1m"
	}
	if c.Scheduler.ScanLimit <= 0 {
		c.Scheduler.ScanLimit = 200
	}
	if c.Scheduler.EscalationCadence == "" {
		c.Scheduler.EscalationCadence = "24h"
	}
	if c.Scheduler.ShiftReminderLead == "" {
		c.Scheduler.ShiftReminderLead = "30m"
	}
}

// Validate rejects configs whose duration fields don't parse.
func (c *Config) Validate() error {
	fields := []struct {
		path string
		d    Duration
	}{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"dispatch.retry_base", c.Dispatch.RetryBase},
		{"dispatch.retry_max_delay", c.Dispatch.RetryMaxDelay},
		{"dispatch.send_timeout", c.Dispatch.SendTimeout},
		{"scheduler.interval", c.Scheduler.Interval},
		{"scheduler.escalation_cadence", c.Scheduler.EscalationCadence},
		{"scheduler.shift_reminder_lead", c.Scheduler.ShiftReminderLead},
	}
	for _, f := range fields {
		if _, err := f.d.Parse(f.path); err != nil {
			return err
		}
	}
	return nil
}
