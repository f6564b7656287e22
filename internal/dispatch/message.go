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
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tpd/orderrelay/internal/models"
)

// Message is one composed outbound message.
type Message struct {
	ID      string // RFC 5322 Message-ID including angle brackets
	From    string
	To      string
	Date    time.Time
	Payload models.Payload
	// Raw is the complete RFC 5322 encoding.
	Raw []byte
}

// Compose builds the MIME message for payload. The layout is
// multipart/mixed wrapping a multipart/alternative text and HTML body, and
// the attachment when there is one.
func Compose(from, to string, payload models.Payload, now time.Time) (*Message, error) {
	if from == "" || to == "" {
		return nil, fmt.Errorf("compose: sender and recipient are required")
	}
	msg := &Message{
		ID:      fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(from)),
		From:    from,
		To:      to,
		Date:    now,
		Payload: payload,
	}

	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	header("From", from)
	header("To", to)
	header("Subject", mime.QEncoding.Encode("utf-8", payload.Subject))
	header("Date", now.Format(time.RFC1123Z))
	header("Message-ID", msg.ID)
	header("MIME-Version", "1.0")

	mixed := multipart.NewWriter(&buf)
	header("Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", mixed.Boundary()))
	buf.WriteString("\r\n")

	if err := writeBody(mixed, payload); err != nil {
		return nil, err
	}
	if a := payload.Attachment; a != nil {
		if err := writeAttachment(mixed, a); err != nil {
			return nil, err
		}
	}
	if err := mixed.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	msg.Raw = buf.Bytes()
	return msg, nil
}

func writeBody(mixed *multipart.Writer, payload models.Payload) error {
	var alt bytes.Buffer
	altWriter := multipart.NewWriter(&alt)

	if err := writeTextPart(altWriter, "text/plain; charset=utf-8", payload.TextBody); err != nil {
		return err
	}
	if payload.HTMLBody != "" {
		if err := writeTextPart(altWriter, "text/html; charset=utf-8", payload.HTMLBody); err != nil {
			return err
		}
	}
	if err := altWriter.Close(); err != nil {
		return fmt.Errorf("close alternative part: %w", err)
	}

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", altWriter.Boundary()))
	part, err := mixed.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create body part: %w", err)
	}
	_, err = part.Write(alt.Bytes())
	return err
}

func writeTextPart(w *multipart.Writer, contentType, content string) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", contentType)
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create text part: %w", err)
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(content)); err != nil {
		return err
	}
	return qp.Close()
}

func writeAttachment(w *multipart.Writer, a *models.Attachment) error {
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", mime.FormatMediaType(contentType, map[string]string{"name": a.Name}))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Name}))
	h.Set("Content-Transfer-Encoding", "base64")
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create attachment part: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(a.Data)
	for len(encoded) > 76 {
		if _, err := part.Write([]byte(encoded[:76] + "\r\n")); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	_, err = part.Write([]byte(encoded + "\r\n"))
	return err
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return strings.Trim(addr[i+1:], "> ")
	}
	return "localhost"
}
