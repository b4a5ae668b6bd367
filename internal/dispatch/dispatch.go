// Package dispatch is the delivery pipeline: per-channel queues, worker
// pools, rate limiting, retry with exponential backoff, and mandatory audit
// logging of every attempt.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-uncommons/v2/uncommons/backoff"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"innkeep/internal/channel"
	"innkeep/internal/deliverylog"
	"innkeep/internal/eventbus"
	"innkeep/internal/vault"
	logx "innkeep/pkg/logx"
)

var (
	ErrQueueFull = errors.New("dispatch: queue full")
	ErrStopped   = errors.New("dispatch: stopped")
	ErrNoAdapter = errors.New("dispatch: no adapter for channel")
)

// Config mirrors config.DispatchConfig with parsed durations.
type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
	// RetryMax is the number of retries after the first attempt; total
	// attempts are RetryMax+1.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// Outcome is the terminal state of one request after the retry budget.
type Outcome struct {
	RequestID string
	Outcome   channel.Outcome
	Attempts  int
	Err       error
	// LogIncident is set when at least one attempt row could not be
	// persisted. The delivery itself may still have succeeded.
	LogIncident bool
}

// Secrets is the slice of the vault the dispatcher needs.
type Secrets interface {
	Retrieve(ctx context.Context, key string) (string, error)
}

type job struct {
	req  channel.Request
	done chan Outcome
}

// Dispatcher owns one queue and worker pool per registered channel. It is
// safe for concurrent use.
type Dispatcher struct {
	mu sync.Mutex

	log     logx.Logger
	bus     eventbus.Bus
	secrets Secrets
	journal *deliverylog.Log

	adapters map[channel.Kind]channel.Adapter

	cfg      Config
	limiters map[channel.Kind]*rate.Limiter

	accepting bool
	queues    map[channel.Kind]chan job
	sendWG    sync.WaitGroup
	workerWG  sync.WaitGroup
}

func New(cfg Config, secrets Secrets, journal *deliverylog.Log, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		log:      log,
		bus:      bus,
		secrets:  secrets,
		journal:  journal,
		adapters: map[channel.Kind]channel.Adapter{},
		limiters: map[channel.Kind]*rate.Limiter{},
	}
	d.applyLocked(cfg)
	return d
}

// Register adds a channel adapter. Must be called before Start.
func (d *Dispatcher) Register(a channel.Adapter) {
	d.mu.Lock()
	d.adapters[a.Kind()] = a
	d.limiters[a.Kind()] = rate.NewLimiter(rate.Limit(d.cfg.RatePerSec), d.cfg.RatePerSec)
	d.mu.Unlock()
}

// Apply installs a new config. Rate limits take effect immediately; queue
// and worker sizing applies on the next Start.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	d.cfg = cfg
	for kind := range d.limiters {
		d.limiters[kind] = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
}

// Start spins up one queue and worker pool per registered channel.
// Idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.queues != nil {
		d.mu.Unlock()
		return
	}
	d.queues = map[channel.Kind]chan job{}
	d.accepting = true
	for kind := range d.adapters {
		q := make(chan job, d.cfg.QueueSize)
		d.queues[kind] = q
		for i := 0; i < d.cfg.Workers; i++ {
			d.workerWG.Add(1)
			go func(kind channel.Kind, q chan job) {
				defer d.workerWG.Done()
				d.workerLoop(ctx, kind, q)
			}(kind, q)
		}
	}
	d.mu.Unlock()
}

// Stop blocks intake, drains in-flight work, and waits for workers until ctx
// expires.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.queues == nil {
		d.mu.Unlock()
		return
	}
	d.accepting = false
	queues := d.queues
	d.queues = nil
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.sendWG.Wait()
		for _, q := range queues {
			close(q)
		}
		d.workerWG.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Dispatch delivers one request and blocks until its terminal outcome. The
// request is processed by the channel's worker pool, so concurrent callers
// share the channel's rate limit.
func (d *Dispatcher) Dispatch(ctx context.Context, req channel.Request) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	d.mu.Lock()
	if !d.accepting || d.queues == nil {
		d.mu.Unlock()
		return Outcome{RequestID: req.ID}, ErrStopped
	}
	q, ok := d.queues[req.Channel]
	d.mu.Unlock()
	if !ok {
		return Outcome{RequestID: req.ID}, fmt.Errorf("%w: %s", ErrNoAdapter, req.Channel)
	}

	d.sendWG.Add(1)
	j := job{req: req, done: make(chan Outcome, 1)}
	select {
	case q <- j:
	default:
		d.sendWG.Done()
		return Outcome{RequestID: req.ID}, ErrQueueFull
	}

	select {
	case out := <-j.done:
		return out, nil
	case <-ctx.Done():
		// The worker still finishes the job; the caller just stops waiting.
		return Outcome{RequestID: req.ID, Outcome: channel.Queued}, ctx.Err()
	}
}

// DispatchBulk delivers many requests and returns one outcome per request in
// input order. Failures are independent: one bad recipient never blocks the
// rest of the batch.
func (d *Dispatcher) DispatchBulk(ctx context.Context, reqs []channel.Request) ([]Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	correlation := uuid.NewString()
	outs := make([]Outcome, len(reqs))

	var wg sync.WaitGroup
	for i := range reqs {
		if reqs[i].CorrelationID == "" {
			reqs[i].CorrelationID = correlation
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := d.Dispatch(ctx, reqs[i])
			if err != nil && out.Err == nil {
				out.Err = err
				out.Outcome = channel.Failed
			}
			outs[i] = out
		}(i)
	}
	wg.Wait()
	return outs, nil
}

func (d *Dispatcher) workerLoop(ctx context.Context, kind channel.Kind, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			out := d.processSafe(ctx, kind, j.req)
			j.done <- out
			d.sendWG.Done()
			d.publish(j.req, out)
		}
	}
}

// processSafe isolates a panicking adapter to the job that hit it.
func (d *Dispatcher) processSafe(ctx context.Context, kind channel.Kind, req channel.Request) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("send panicked",
				logx.String("request_id", req.ID),
				logx.Any("panic", r),
			)
			out = Outcome{RequestID: req.ID, Outcome: channel.Failed, Err: fmt.Errorf("send panicked: %v", r)}
		}
	}()
	return d.process(ctx, kind, req)
}

// process runs the retry loop for one request. Every attempt, successful or
// not, gets a row in the delivery log before the next one starts.
func (d *Dispatcher) process(ctx context.Context, kind channel.Kind, req channel.Request) Outcome {
	d.mu.Lock()
	cfg := d.cfg
	adapter := d.adapters[kind]
	lim := d.limiters[kind]
	d.mu.Unlock()

	out := Outcome{RequestID: req.ID, Outcome: channel.Failed}
	if adapter == nil {
		out.Err = fmt.Errorf("%w: %s", ErrNoAdapter, kind)
		return out
	}

	cred, err := d.credentials(ctx, kind)
	if err != nil {
		// Nothing to retry: the same vault state answers every attempt.
		out.Err = fmt.Errorf("credential unavailable: %w", err)
		out.Attempts = 1
		d.logAttempt(ctx, req, channel.Result{Outcome: channel.Failed, Err: out.Err}, "", time.Now(), time.Now(), &out)
		return out
	}

	maxAttempts := 1 + cfg.RetryMax
	var last channel.Result
	for n := 1; n <= maxAttempts; n++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				out.Err = err
				if out.Attempts == 0 {
					// Shutdown hit before the first adapter call. The request
					// still gets its row; ctx is already dead, so the audit
					// write uses its own context.
					out.Outcome = channel.Queued
					out.Attempts = 1
					now := time.Now()
					d.logAttempt(context.Background(), req,
						channel.Result{Outcome: channel.Queued, Err: err},
						cred.Sender, now, now, &out)
				}
				return out
			}
		}

		started := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		res := adapter.Send(callCtx, req, cred)
		cancel()
		finished := time.Now()

		out.Attempts++
		last = res
		d.logAttempt(ctx, req, res, cred.Sender, started, finished, &out)

		if res.Outcome == channel.Sent {
			out.Outcome = channel.Sent
			out.Err = nil
			return out
		}
		d.log.Debug("send attempt failed",
			logx.String("request_id", req.ID),
			logx.String("channel", string(kind)),
			logx.Int("attempt", out.Attempts),
			logx.Bool("permanent", res.Permanent),
			logx.Err(res.Err),
		)
		if res.Permanent || n >= maxAttempts {
			break
		}

		delay := backoff.Exponential(cfg.RetryBase, n-1)
		if delay > cfg.RetryMaxDelay {
			delay = cfg.RetryMaxDelay
		}
		if err := backoff.WaitContext(ctx, delay); err != nil {
			out.Err = err
			return out
		}
	}

	out.Outcome = channel.Failed
	out.Err = last.Err
	return out
}

// logAttempt appends one audit row. A persist failure never aborts delivery;
// it is surfaced on the outcome instead.
func (d *Dispatcher) logAttempt(ctx context.Context, req channel.Request, res channel.Result, sender string, started, finished time.Time, out *Outcome) {
	if d.journal == nil {
		return
	}
	n, err := d.journal.NextAttempt(ctx, req.ID)
	if err != nil {
		d.log.Error("attempt number lookup failed", logx.String("request_id", req.ID), logx.Err(err))
		out.LogIncident = true
		return
	}
	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	a := deliverylog.Attempt{
		RequestID:        req.ID,
		AttemptNumber:    n,
		CorrelationID:    req.CorrelationID,
		Channel:          req.Channel,
		StartedAt:        started,
		FinishedAt:       finished,
		Outcome:          res.Outcome,
		TransportCode:    res.TransportCode,
		TransportMessage: res.TransportMessage,
		ErrorMessage:     errMsg,
		PayloadSizeBytes: res.PayloadSize,
		SenderIdentity:   sender,
		Recipient:        req.Recipient,
		ActorUserID:      req.ActorUserID,
	}
	if a.Outcome == "" {
		a.Outcome = channel.Failed
	}
	if err := d.journal.Append(ctx, a); err != nil {
		out.LogIncident = true
	}
}

// credentials resolves the vault material one channel needs. Values stay in
// memory for the duration of a single process call.
func (d *Dispatcher) credentials(ctx context.Context, kind channel.Kind) (channel.Credential, error) {
	if d.secrets == nil {
		return channel.Credential{}, vault.ErrLocked
	}
	switch kind {
	case channel.Email:
		sender, err := d.secrets.Retrieve(ctx, vault.KeyEmailSender)
		if err != nil {
			return channel.Credential{}, err
		}
		pass, err := d.secrets.Retrieve(ctx, vault.KeyEmailPassword)
		if err != nil {
			return channel.Credential{}, err
		}
		return channel.Credential{Username: sender, Secret: pass, Sender: sender}, nil
	case channel.WhatsApp:
		sid, err := d.secrets.Retrieve(ctx, vault.KeyWhatsAppSID)
		if err != nil {
			return channel.Credential{}, err
		}
		token, err := d.secrets.Retrieve(ctx, vault.KeyWhatsAppToken)
		if err != nil {
			return channel.Credential{}, err
		}
		from, err := d.secrets.Retrieve(ctx, vault.KeyWhatsAppFrom)
		if err != nil {
			return channel.Credential{}, err
		}
		return channel.Credential{Username: sid, Secret: token, Sender: from}, nil
	default:
		return channel.Credential{}, fmt.Errorf("unknown channel %q", kind)
	}
}

func (d *Dispatcher) publish(req channel.Request, out Outcome) {
	if d.bus == nil {
		return
	}
	typ := eventbus.TypeDeliverySent
	errMsg := ""
	if out.Outcome != channel.Sent {
		typ = eventbus.TypeDeliveryFailed
		if out.Err != nil {
			errMsg = out.Err.Error()
		}
	}
	d.bus.Publish(eventbus.Event{Type: typ, Outcome: eventbus.DeliveryOutcome{
		RequestID: req.ID,
		Channel:   req.Channel,
		Recipient: req.Recipient,
		Origin:    req.Origin,
		Attempts:  out.Attempts,
		Error:     errMsg,
	}})
}
