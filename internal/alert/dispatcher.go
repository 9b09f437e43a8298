package alert

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"cellfix/internal/modem"
)

var ErrEmail = errors.New("email delivery failed")

// Modem is the part of modem.Session used to submit a text message.
type Modem interface {
	Command(ctx context.Context, cmd string, timeout time.Duration) (modem.Response, error)
	SendRaw(b []byte) error
	Receive(ctx context.Context, timeout time.Duration) (modem.Response, error)
	Drain() int
}

// Settle holds the receive window after each SMS step. The modem gives no
// reliable acknowledgement, so these are fixed waits.
type Settle struct {
	TextMode time.Duration
	Address  time.Duration
	Body     time.Duration
	Submit   time.Duration
}

func DefaultSettle() Settle {
	return Settle{
		TextMode: time.Second,
		Address:  time.Second,
		Body:     500 * time.Millisecond,
		Submit:   5 * time.Second,
	}
}

type Dispatcher struct {
	m         Modem
	mailer    Mailer
	recipient string
	settle    Settle
}

func NewDispatcher(m Modem, mailer Mailer, recipient string, settle Settle) *Dispatcher {
	if mailer == nil {
		mailer = LogMailer{}
	}
	def := DefaultSettle()
	if settle.TextMode <= 0 {
		settle.TextMode = def.TextMode
	}
	if settle.Address <= 0 {
		settle.Address = def.Address
	}
	if settle.Body <= 0 {
		settle.Body = def.Body
	}
	if settle.Submit <= 0 {
		settle.Submit = def.Submit
	}
	return &Dispatcher{m: m, mailer: mailer, recipient: recipient, settle: settle}
}

// Dispatch sends the report by email, then by SMS. Either failure ends the
// dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, r Report) error {
	if err := d.mailer.SendEmail(ctx, r); err != nil {
		return fmt.Errorf("%w: %v", ErrEmail, err)
	}
	return d.SendSMS(ctx, d.recipient, r.Text())
}

// SendSMS submits body to recipient in text mode. Only the text-mode switch
// is checked; the submit itself is fire-and-forget.
func (d *Dispatcher) SendSMS(ctx context.Context, recipient, body string) error {
	if strings.TrimSpace(recipient) == "" {
		return fmt.Errorf("sms recipient is required")
	}
	d.m.Drain()

	resp, err := d.m.Command(ctx, "AT+CMGF=1", d.settle.TextMode)
	if err != nil {
		return fmt.Errorf("sms text mode: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("%w: sms text mode result=%s", modem.ErrUnresponsive, resp.Result())
	}

	resp, err = d.m.Command(ctx, fmt.Sprintf("AT+CMGS=%q", recipient), d.settle.Address)
	if err != nil {
		return fmt.Errorf("sms address: %w", err)
	}
	if !resp.Contains(">") {
		log.Printf("alert sms no prompt after address, sending anyway")
	}

	if err := d.m.SendRaw([]byte(body)); err != nil {
		return fmt.Errorf("sms body: %w", err)
	}
	if _, err := d.m.Receive(ctx, d.settle.Body); err != nil {
		return fmt.Errorf("sms body: %w", err)
	}

	if err := d.m.SendRaw([]byte{modem.CtrlZ}); err != nil {
		return fmt.Errorf("sms submit: %w", err)
	}
	resp, err = d.m.Receive(ctx, d.settle.Submit)
	if err != nil {
		return fmt.Errorf("sms submit: %w", err)
	}
	if _, ok := resp.LineWithPrefix("+CMGS:"); ok {
		log.Printf("alert sms accepted bytes=%d", len(body))
	} else {
		log.Printf("alert sms submitted bytes=%d result=%s", len(body), resp.Result())
	}
	return nil
}
