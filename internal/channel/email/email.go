// Package email delivers notifications over SMTP with STARTTLS.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/mail"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"innkeep/internal/channel"
	logx "innkeep/pkg/logx"
)

const smtpOK = 250

// Config holds the transport settings; the account credentials come from the
// vault per send.
type Config struct {
	Host     string
	Port     int
	FromName string
}

type Adapter struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log.With(logx.String("channel", "email"))}
}

func (a *Adapter) Kind() channel.Kind { return channel.Email }

// Send composes an RFC 5322 message and submits it over SMTP. The payload
// size is measured from the composed message before dialing, so even failed
// attempts log the real wire size.
func (a *Adapter) Send(ctx context.Context, req channel.Request, cred channel.Credential) channel.Result {
	if _, err := mail.ParseAddress(req.Recipient); err != nil {
		// Malformed address: fails identically on every retry, so don't.
		return channel.Result{
			Outcome:   channel.Failed,
			Err:       fmt.Errorf("invalid recipient address: %w", err),
			Permanent: true,
		}
	}

	msg, err := a.compose(req, cred.Sender)
	if err != nil {
		return channel.Result{Outcome: channel.Failed, Err: err, Permanent: true}
	}
	size := len(msg)

	addr := net.JoinHostPort(a.cfg.Host, fmt.Sprintf("%d", a.cfg.Port))
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return channel.Result{Outcome: channel.Failed, Err: err, PayloadSize: size}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClientStartTLS(conn, nil)
	if err != nil {
		conn.Close()
		return a.classify(err, size)
	}
	defer c.Close()

	if err := c.Auth(sasl.NewPlainClient("", cred.Username, cred.Secret)); err != nil {
		return a.classify(err, size)
	}
	if err := c.SendMail(cred.Sender, []string{req.Recipient}, bytes.NewReader(msg)); err != nil {
		return a.classify(err, size)
	}

	a.log.Debug("message accepted",
		logx.String("request_id", req.ID),
		logx.Int("size_bytes", size),
	)
	return channel.Result{
		Outcome:       channel.Sent,
		TransportCode: smtpOK,
		PayloadSize:   size,
	}
}

// compose builds the full MIME message. Returned bytes are exactly what goes
// on the wire after DATA.
func (a *Adapter) compose(req channel.Request, sender string) ([]byte, error) {
	var buf bytes.Buffer

	var h gomail.Header
	date := req.CreatedAt
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetAddressList("From", []*gomail.Address{{Name: a.cfg.FromName, Address: sender}})
	h.SetAddressList("To", []*gomail.Address{{Name: req.RecipientName, Address: req.Recipient}})
	h.SetSubject(req.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	w, err := gomail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("composing message: %w", err)
	}
	if _, err := io.WriteString(w, req.Body); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// classify maps an SMTP error onto a Result. 4xx replies are transient
// (server asks to come back later); 5xx replies are permanent. Network-level
// errors are transient.
func (a *Adapter) classify(err error, size int) channel.Result {
	res := channel.Result{Outcome: channel.Failed, Err: err, PayloadSize: size}

	var serr *smtp.SMTPError
	if errors.As(err, &serr) {
		res.TransportCode = serr.Code
		res.TransportMessage = serr.Message
		res.Permanent = serr.Code >= 500
		return res
	}
	return res
}
