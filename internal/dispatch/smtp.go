// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/tpd/orderrelay/internal/models"
)

// SMTPConfig holds outbound SMTP settings.
type SMTPConfig struct {
	Host     string
	Port     int // 587 uses STARTTLS, 465 implicit TLS
	Username string
	Password string
	Timeout  time.Duration

	// TLSConfig overrides the default TLS settings.
	TLSConfig *tls.Config
}

// SMTPTransport delivers messages through an SMTP submission server.
type SMTPTransport struct {
	cfg SMTPConfig
}

var _ Transport = (*SMTPTransport)(nil)

// NewSMTPTransport creates an SMTP transport.
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPTransport{cfg: cfg}
}

func (t *SMTPTransport) Name() string { return "smtp" }

func (t *SMTPTransport) Deliver(ctx context.Context, msg *Message) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	tlsConfig := t.cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: t.cfg.Host, MinVersion: tls.VersionTLS12}
	}

	var conn net.Conn
	var err error
	dialer := &net.Dialer{}
	if t.cfg.Port == 465 {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return models.Transient("smtp dial", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return classifySMTP("smtp greeting", err)
	}
	defer client.Close()

	if t.cfg.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return classifySMTP("smtp starttls", err)
			}
		}
	}
	if t.cfg.Username != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return models.Permanent("smtp auth", err)
		}
	}

	if err := client.Mail(msg.From); err != nil {
		return classifySMTP("smtp MAIL FROM", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return classifySMTP("smtp RCPT TO", err)
	}
	w, err := client.Data()
	if err != nil {
		return classifySMTP("smtp DATA", err)
	}
	if _, err := w.Write(msg.Raw); err != nil {
		return classifySMTP("smtp write", err)
	}
	if err := w.Close(); err != nil {
		return classifySMTP("smtp end of data", err)
	}
	// The message is accepted at end of data; a failed QUIT does not undo it.
	_ = client.Quit()
	return nil
}

// classifySMTP maps 5xx replies to permanent errors and everything else to
// transient ones.
func classifySMTP(op string, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return models.Permanent(op, err)
	}
	return models.Transient(op, err)
}
