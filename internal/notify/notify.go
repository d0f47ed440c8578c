// Package notify abstracts outbound delivery of authentication codes. The
// engines depend on the interfaces only; deployments plug in their mail and
// SMS providers.
package notify

import (
	"context"
	"log/slog"
)

// EmailSender delivers a one-time code to an email address.
type EmailSender interface {
	SendCode(ctx context.Context, to, code string) error
}

// SMSSender delivers a one-time code to a phone number.
type SMSSender interface {
	SendCode(ctx context.Context, to, code string) error
}

// DevEmailSender logs instead of sending. For development and tests only;
// the logged code is the live secret.
type DevEmailSender struct {
	Logger *slog.Logger
}

func (s *DevEmailSender) SendCode(ctx context.Context, to, code string) error {
	s.Logger.Info("dev_email_code", "to", to, "code", code)
	return nil
}

// DevSMSSender logs instead of sending.
type DevSMSSender struct {
	Logger *slog.Logger
}

func (s *DevSMSSender) SendCode(ctx context.Context, to, code string) error {
	s.Logger.Info("dev_sms_code", "to", to, "code", code)
	return nil
}

// CaptureSender records every code it is asked to deliver. Test double for
// both channels.
type CaptureSender struct {
	To    []string
	Codes []string
}

func (s *CaptureSender) SendCode(ctx context.Context, to, code string) error {
	s.To = append(s.To, to)
	s.Codes = append(s.Codes, code)
	return nil
}
