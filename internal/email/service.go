package email

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/opd-queue/internal/config"
)

type Service interface {
	SendUpcomingTurn(ctx context.Context, to, patientName, doctorName, slot string) error
	SendCustom(ctx context.Context, to, subject, content string) error
}

// Sender is the part of gomail.Dialer the service uses.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type smtpService struct {
	sender Sender
	from   string
	logger zerolog.Logger
}

// NewSMTPService sends through the configured SMTP relay.
func NewSMTPService(cfg config.EmailConfig, logger zerolog.Logger) Service {
	return NewService(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg.From, logger)
}

func NewService(sender Sender, from string, logger zerolog.Logger) Service {
	return &smtpService{sender: sender, from: from, logger: logger}
}

func (s *smtpService) SendUpcomingTurn(ctx context.Context, to, patientName, doctorName, slot string) error {
	subject := fmt.Sprintf("Your turn with %s is coming up", doctorName)
	body := fmt.Sprintf(
		"<p>Hello %s,</p><p>%s is now seeing the patient before you. "+
			"Please be ready near the consultation room for your %s appointment.</p>",
		patientName, doctorName, slot,
	)
	return s.SendCustom(ctx, to, subject, body)
}

func (s *smtpService) SendCustom(ctx context.Context, to, subject, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", content)

	if err := s.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", to, err)
	}
	s.logger.Debug().Str("to", to).Str("subject", subject).Msg("email sent")
	return nil
}
