// Package email sends guardian emergency notices over SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// ErrNotConfigured is returned when the SMTP host, port or sender is missing.
var ErrNotConfigured = errors.New("smtp not configured")

// SMTPConfig holds the SMTP server settings.
type SMTPConfig struct {
	Host     string
	Port     string // 25, 587 or 465
	From     string
	Username string
	Password string
	TLS      string // "none", "starttls", "tls"
}

// Valid returns true if the minimum required fields are set.
func (c SMTPConfig) Valid() bool {
	return c.Host != "" && c.Port != "" && c.From != ""
}

// Agency is a contacted agency listed in the notice.
type Agency struct {
	Name        string
	PhoneNumber string
	DistanceKm  float64
}

// EmergencyNotification describes an emergency raised for a ward.
type EmergencyNotification struct {
	To          string
	EmergencyID string
	WardName    string
	Type        string
	Message     string
	Latitude    *float64
	Longitude   *float64
	Agencies    []Agency
	Timestamp   time.Time
}

// Sender delivers emergency notices.
type Sender struct {
	cfg    SMTPConfig
	logger *slog.Logger
	// dialFunc allows injecting a custom dialer for testing.
	dialFunc func(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error)
}

// smtpClient abstracts the methods used from *smtp.Client for testing.
type smtpClient interface {
	Hello(localName string) error
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// NewSender creates a Sender for the given server.
func NewSender(cfg SMTPConfig, logger *slog.Logger) *Sender {
	return &Sender{
		cfg:      cfg,
		logger:   logger.With("component", "email"),
		dialFunc: defaultDial,
	}
}

// SendEmergencyNotification emails the guardian about an emergency.
func (s *Sender) SendEmergencyNotification(ctx context.Context, notif EmergencyNotification) error {
	cfg := s.cfg
	if !cfg.Valid() {
		return ErrNotConfigured
	}
	if notif.To == "" {
		return fmt.Errorf("no recipient email address")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := buildMessage(cfg, notif)

	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	client, err := s.dialFunc(addr, tlsConfig, cfg.TLS)
	if err != nil {
		return fmt.Errorf("connecting to smtp server: %w", err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}

	if strings.EqualFold(cfg.TLS, "starttls") {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(notif.To); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		s.logger.Warn("smtp quit error (non-fatal)", "error", err)
	}

	s.logger.Info("emergency email sent",
		"to", notif.To,
		"emergency_id", notif.EmergencyID,
		"agencies", len(notif.Agencies),
	)
	return nil
}

// defaultDial connects to the SMTP server using either plain TCP or implicit TLS.
func defaultDial(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error) {
	if strings.EqualFold(tlsMode, "tls") {
		conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn, tlsConfig.ServerName)
	}

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)
	return smtp.NewClient(conn, host)
}

// buildMessage renders the notice as a plain text UTF-8 message.
func buildMessage(cfg SMTPConfig, notif EmergencyNotification) []byte {
	ward := notif.WardName
	if ward == "" {
		ward = "피보호자"
	}
	subject := mime.QEncoding.Encode("utf-8", fmt.Sprintf("[담소] 비상 알림: %s님", ward))

	var body strings.Builder
	fmt.Fprintf(&body, "관제센터에서 %s님에 대해 비상 상황을 발동했습니다.\n\n", ward)
	fmt.Fprintf(&body, "비상 ID: %s\n", notif.EmergencyID)
	if notif.Type != "" {
		fmt.Fprintf(&body, "유형: %s\n", notif.Type)
	}
	fmt.Fprintf(&body, "발생 시각: %s\n", notif.Timestamp.Format("2006-01-02 15:04 MST"))
	if notif.Latitude != nil && notif.Longitude != nil {
		fmt.Fprintf(&body, "위치: %.5f, %.5f\n", *notif.Latitude, *notif.Longitude)
	}
	if notif.Message != "" {
		fmt.Fprintf(&body, "메시지: %s\n", notif.Message)
	}
	if len(notif.Agencies) > 0 {
		body.WriteString("\n연락한 기관:\n")
		for _, a := range notif.Agencies {
			fmt.Fprintf(&body, "- %s (%s, %.1fkm)\n", a.Name, a.PhoneNumber, a.DistanceKm)
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", notif.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&buf, "Content-Transfer-Encoding: 8bit\r\n")
	fmt.Fprintf(&buf, "\r\n")
	buf.WriteString(strings.ReplaceAll(body.String(), "\n", "\r\n"))
	return buf.Bytes()
}
