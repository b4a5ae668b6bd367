// Package whatsapp delivers notifications through a Twilio-compatible
// messaging API.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"innkeep/internal/channel"
	logx "innkeep/pkg/logx"
)

// Config holds the provider endpoint. BaseURL is overridable so tests can
// point the adapter at a local httptest server.
type Config struct {
	BaseURL string
}

type Adapter struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: 45 * time.Second},
		log:    log.With(logx.String("channel", "whatsapp")),
	}
}

func (a *Adapter) Kind() channel.Kind { return channel.WhatsApp }

// providerResponse is the subset of the provider's JSON we care about.
type providerResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send posts one message. Credential maps as: Username = account SID,
// Secret = auth token, Sender = the sending number.
func (a *Adapter) Send(ctx context.Context, req channel.Request, cred channel.Credential) channel.Result {
	form := url.Values{}
	form.Set("From", "whatsapp:"+cred.Sender)
	form.Set("To", "whatsapp:"+req.Recipient)
	form.Set("Body", req.Body)
	payload := form.Encode()
	size := len(payload)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json",
		strings.TrimRight(a.cfg.BaseURL, "/"), cred.Username)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload))
	if err != nil {
		return channel.Result{Outcome: channel.Failed, Err: err, Permanent: true, PayloadSize: size}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(cred.Username, cred.Secret)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return channel.Result{Outcome: channel.Failed, Err: err, PayloadSize: size}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var pr providerResponse
	_ = json.Unmarshal(body, &pr)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		a.log.Debug("message accepted",
			logx.String("request_id", req.ID),
			logx.String("provider_sid", pr.SID),
			logx.String("provider_status", pr.Status),
		)
		return channel.Result{
			Outcome:          channel.Sent,
			TransportCode:    resp.StatusCode,
			TransportMessage: pr.Status,
			PayloadSize:      size,
		}
	}

	msg := pr.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}
	// The provider error code (e.g. 21211 for an invalid To number) is more
	// precise than the HTTP status; record it when the body carries one.
	code := resp.StatusCode
	if pr.Code != 0 {
		code = pr.Code
	}
	return channel.Result{
		Outcome:          channel.Failed,
		TransportCode:    code,
		TransportMessage: msg,
		Err:              fmt.Errorf("provider returned %d: %s", code, msg),
		Permanent:        permanentStatus(resp.StatusCode),
		PayloadSize:      size,
	}
}

// permanentStatus reports whether an HTTP status should stop retrying.
// 408 and 429 are worth another attempt; other 4xx mean the request itself
// is wrong. 5xx is the provider's problem and transient.
func permanentStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return false
	case code >= 500:
		return false
	case code >= 400:
		return true
	default:
		return false
	}
}
