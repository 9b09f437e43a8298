package alert

import (
	"context"
	"log"
	"strings"
)

// Mailer delivers a report by email. Delivery is delegated; cellfix ships
// only LogMailer.
type Mailer interface {
	SendEmail(ctx context.Context, r Report) error
}

type EmailSettings struct {
	To         string `yaml:"to"`
	From       string `yaml:"from"`
	SMTPServer string `yaml:"smtp_server"`
}

// LogMailer records the send in the log and reports success.
type LogMailer struct {
	Settings EmailSettings
}

func (m LogMailer) SendEmail(ctx context.Context, r Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to := strings.TrimSpace(m.Settings.To)
	if to == "" {
		to = "(unset)"
	}
	log.Printf("alert email delegated to=%s smtp=%s bytes=%d", to, m.Settings.SMTPServer, len(r.Text()))
	return nil
}
