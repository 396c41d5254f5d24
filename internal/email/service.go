package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"patapim-server/config"
	"patapim-server/internal/events"
	"patapim-server/internal/referral"
)

// ErrNotConfigured is returned when SMTP settings are incomplete
var ErrNotConfigured = errors.New("SMTP not configured")

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service sends referral invitations over SMTP
type Service struct {
	cfg        config.SMTPConfig
	publicBase string
	send       sendFunc
	logger     zerolog.Logger
}

// NewService creates a new email service
func NewService(cfg config.SMTPConfig, publicBase string, logger zerolog.Logger) *Service {
	s := &Service{
		cfg:        cfg,
		publicBase: strings.TrimSuffix(publicBase, "/"),
		logger:     logger.With().Str("component", "Email").Logger(),
	}
	if cfg.Port == "465" {
		s.send = s.sendTLS
	} else {
		s.send = smtp.SendMail
	}
	return s
}

// IsConfigured checks if SMTP is configured
func (s *Service) IsConfigured() bool {
	return s.cfg.Host != "" && s.cfg.Username != "" && s.cfg.From != ""
}

// SendEmail sends an HTML email
func (s *Service) SendEmail(ctx context.Context, to, subject, body string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	from := s.cfg.From
	if s.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.From)
	}

	message := []byte(
		"From: " + from + "\r\n" +
			"To: " + to + "\r\n" +
			"Subject: " + subject + "\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n" +
			"\r\n" +
			body + "\r\n",
	)

	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	addr := s.cfg.Host + ":" + s.cfg.Port

	if err := s.send(addr, auth, s.cfg.From, []string{to}, message); err != nil {
		return fmt.Errorf("SMTP error: %w", err)
	}

	s.logger.Debug().Str("to", referral.Mask(to)).Str("subject", subject).Msg("Email sent")
	return nil
}

// sendTLS sends email using an implicit TLS connection (port 465)
func (s *Service) sendTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	host := strings.Split(addr, ":")[0]
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err = client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}
	if err = client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, recipient := range to {
		if err = client.Rcpt(recipient); err != nil {
			return fmt.Errorf("failed to add recipient: %w", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}
	if _, err = w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return client.Quit()
}

var inviteTemplate = template.Must(template.New("invite").Parse(`<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background-color: #111827; color: white; padding: 20px; text-align: center; border-radius: 5px 5px 0 0; }
        .content { background-color: #f9fafb; padding: 30px; border-radius: 0 0 5px 5px; }
        .button { display: inline-block; padding: 12px 30px; background-color: #4F46E5; color: white; text-decoration: none; border-radius: 5px; margin: 20px 0; }
        .footer { text-align: center; margin-top: 20px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>You're invited to PATAPIM</h1>
        </div>
        <div class="content">
            <p>{{.Referrer}} thinks you'll like PATAPIM, the terminal you can reach from anywhere.</p>
            <p style="text-align: center;">
                <a href="{{.Link}}" class="button">Get PATAPIM</a>
            </p>
            <p>If you weren't expecting this, you can ignore this email.</p>
        </div>
        <div class="footer">
            <p>&copy; {{.Year}} PATAPIM</p>
        </div>
    </div>
</body>
</html>
`))

// SendReferralInvite tells referred that referrer invited them
func (s *Service) SendReferralInvite(ctx context.Context, referrer, referred string) error {
	var body bytes.Buffer
	err := inviteTemplate.Execute(&body, struct {
		Referrer string
		Link     string
		Year     int
	}{
		Referrer: referrer,
		Link:     s.publicBase + "/pricing",
		Year:     time.Now().Year(),
	})
	if err != nil {
		return fmt.Errorf("render invite: %w", err)
	}
	return s.SendEmail(ctx, referred, "You've been invited to PATAPIM", body.String())
}

// Subscribe sends an invitation for every recorded referral. Delivery is
// best effort; failures are logged.
func (s *Service) Subscribe(bus *events.EventBus) {
	if !s.IsConfigured() {
		s.logger.Info().Msg("SMTP not configured, referral invitations will not be emailed")
		return
	}
	bus.Subscribe(events.EventReferralInvited, func(e events.Event) {
		referrer, _ := e.Data["referrer"].(string)
		referred, _ := e.Data["referred"].(string)
		if referred == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.SendReferralInvite(ctx, referrer, referred); err != nil {
			s.logger.Warn().Err(err).Str("referred", referral.Mask(referred)).Msg("Failed to send referral invitation")
		}
	})
}
