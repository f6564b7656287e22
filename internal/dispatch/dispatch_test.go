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
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tpd/orderrelay/internal/models"
)

var testPayload = models.Payload{
	Subject:  "Laticrete Order #43061 - Sam Smith",
	TextBody: "New Laticrete Order\n\nPlease process the attached Laticrete order form.\n",
	HTMLBody: "<h2>New Laticrete Order</h2>",
	Attachment: &models.Attachment{
		Name:        "Laticrete_Order_43061.pdf",
		ContentType: "application/pdf",
		Data:        bytes.Repeat([]byte("%PDF-1.7 data "), 20),
	},
}

func TestCompose_Structure(t *testing.T) {
	now := time.Date(2026, 3, 7, 9, 30, 0, 0, time.UTC)
	msg, err := Compose("orders@tileprodepot.com", "cs@laticrete.example", testPayload, now)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if !strings.HasSuffix(msg.ID, "@tileprodepot.com>") {
		t.Errorf("Message-ID = %q", msg.ID)
	}

	parsed, err := mail.ReadMessage(bytes.NewReader(msg.Raw))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	dec := new(mime.WordDecoder)
	subject, _ := dec.DecodeHeader(parsed.Header.Get("Subject"))
	if subject != testPayload.Subject {
		t.Errorf("Subject = %q", subject)
	}
	if parsed.Header.Get("Message-Id") != msg.ID {
		t.Errorf("Message-ID header = %q", parsed.Header.Get("Message-Id"))
	}

	mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/mixed" {
		t.Fatalf("Content-Type = %q, %v", mediaType, err)
	}
	mr := multipart.NewReader(parsed.Body, params["boundary"])

	body, err := mr.NextPart()
	if err != nil {
		t.Fatal(err)
	}
	altType, altParams, _ := mime.ParseMediaType(body.Header.Get("Content-Type"))
	if altType != "multipart/alternative" {
		t.Fatalf("first part = %q", altType)
	}
	alt := multipart.NewReader(body, altParams["boundary"])
	var types []string
	for {
		p, err := alt.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		content, _ := io.ReadAll(p)
		types = append(types, strings.Split(p.Header.Get("Content-Type"), ";")[0])
		text := strings.ReplaceAll(string(content), "\r\n", "\n")
		if strings.HasPrefix(p.Header.Get("Content-Type"), "text/plain") && text != testPayload.TextBody {
			t.Errorf("text body = %q", content)
		}
	}
	if strings.Join(types, ",") != "text/plain,text/html" {
		t.Errorf("alternative parts = %v", types)
	}

	att, err := mr.NextPart()
	if err != nil {
		t.Fatal(err)
	}
	if att.FileName() != "Laticrete_Order_43061.pdf" {
		t.Errorf("attachment filename = %q", att.FileName())
	}
	encoded, _ := io.ReadAll(att)
	data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(string(encoded)), ""))
	if err != nil {
		t.Fatalf("decode attachment: %v", err)
	}
	if !bytes.Equal(data, testPayload.Attachment.Data) {
		t.Error("attachment bytes differ")
	}
}

// --- Service ---

type scriptedTransport struct {
	mu    sync.Mutex
	errs  []error
	calls int
	msgs  []*Message
}

func (t *scriptedTransport) Name() string { return "fake" }

func (t *scriptedTransport) Deliver(_ context.Context, msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	t.msgs = append(t.msgs, msg)
	if i := t.calls - 1; i < len(t.errs) {
		return t.errs[i]
	}
	return nil
}

type fakeSentStore struct {
	mu   sync.Mutex
	err  error
	msgs []*Message
}

func (s *fakeSentStore) StoreSent(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func newTestService(t *testing.T, tr Transport, sent SentStore, sleeps *[]time.Duration) *Service {
	t.Helper()
	svc, err := New(Config{
		Transport:      tr,
		From:           "orders@tileprodepot.com",
		SentStore:      sent,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     90 * time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			if sleeps != nil {
				*sleeps = append(*sleeps, d)
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func TestSend_RetriesTransientErrors(t *testing.T) {
	tr := &scriptedTransport{errs: []error{
		models.Transient("smtp dial", errors.New("connection refused")),
		models.Transient("smtp dial", errors.New("connection refused")),
	}}
	var sleeps []time.Duration
	svc := newTestService(t, tr, nil, &sleeps)

	receipt, err := svc.Send(context.Background(), "cs@example.com", testPayload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if receipt.Attempts != 3 || tr.calls != 3 {
		t.Errorf("attempts = %d, calls = %d", receipt.Attempts, tr.calls)
	}
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Errorf("backoff = %v, want [1s 2s]", sleeps)
	}
	if tr.msgs[0].ID != tr.msgs[2].ID {
		t.Error("retries must resend the same composed message")
	}
}

func TestSend_PermanentErrorNotRetried(t *testing.T) {
	tr := &scriptedTransport{errs: []error{models.Permanent("smtp RCPT TO", errors.New("550 no such user"))}}
	svc := newTestService(t, tr, nil, nil)

	_, err := svc.Send(context.Background(), "nobody@example.com", testPayload)
	if !models.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if tr.calls != 1 {
		t.Errorf("calls = %d, want 1", tr.calls)
	}
}

func TestSend_ExhaustsAttempts(t *testing.T) {
	transient := models.Transient("graph sendMail", errors.New("HTTP 503"))
	tr := &scriptedTransport{errs: []error{transient, transient, transient}}
	svc := newTestService(t, tr, nil, nil)

	_, err := svc.Send(context.Background(), "cs@example.com", testPayload)
	if !models.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if tr.calls != 3 {
		t.Errorf("calls = %d, want 3", tr.calls)
	}
}

func TestSend_SentCopyFailureIgnored(t *testing.T) {
	sent := &fakeSentStore{err: errors.New("gmail quota")}
	svc := newTestService(t, &scriptedTransport{}, sent, nil)

	receipt, err := svc.Send(context.Background(), "cs@example.com", testPayload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if receipt == nil || len(sent.msgs) != 1 || sent.msgs[0].ID != receipt.MessageID {
		t.Errorf("sent copy not attempted for the dispatched message")
	}
}

func TestSend_NoSentCopyOnFailure(t *testing.T) {
	sent := &fakeSentStore{}
	tr := &scriptedTransport{errs: []error{models.Permanent("smtp auth", errors.New("535"))}}
	svc := newTestService(t, tr, sent, nil)

	if _, err := svc.Send(context.Background(), "cs@example.com", testPayload); err == nil {
		t.Fatal("expected error")
	}
	if len(sent.msgs) != 0 {
		t.Error("sent copy stored for an undelivered message")
	}
}

func TestBackoffCapped(t *testing.T) {
	svc := &Service{initialBackoff: 10 * time.Second, maxBackoff: 30 * time.Second}
	if got := svc.backoff(5); got != 30*time.Second {
		t.Errorf("backoff(5) = %v, want cap", got)
	}
}

// --- Graph transport ---

func TestGraphTransport_Deliver(t *testing.T) {
	var got struct {
		Message         GraphMessage `json:"message"`
		SaveToSentItems *bool        `json:"saveToSentItems"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/users/orders@tileprodepot.com/sendMail" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewGraphTransport(GraphConfig{HTTPClient: srv.Client(), BaseURL: srv.URL, Mailbox: "orders@tileprodepot.com"})
	msg, _ := Compose("orders@tileprodepot.com", "cs@example.com", testPayload, time.Now())
	if err := tr.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if got.SaveToSentItems == nil || *got.SaveToSentItems {
		t.Error("saveToSentItems must be false")
	}
	if got.Message.Subject != testPayload.Subject || got.Message.Body.ContentType != "HTML" {
		t.Errorf("message = %+v", got.Message)
	}
	if len(got.Message.Attachments) != 1 || got.Message.Attachments[0].ODataType != "#microsoft.graph.fileAttachment" {
		t.Errorf("attachments = %+v", got.Message.Attachments)
	}
}

func TestGraphTransport_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusTooManyRequests, false},
		{http.StatusServiceUnavailable, false},
		{http.StatusForbidden, true},
		{http.StatusBadRequest, true},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			tr := NewGraphTransport(GraphConfig{HTTPClient: srv.Client(), BaseURL: srv.URL, Mailbox: "me"})
			msg, _ := Compose("a@b.c", "d@e.f", testPayload, time.Now())
			err := tr.Deliver(context.Background(), msg)
			if models.IsPermanent(err) != tt.permanent || models.IsTransient(err) == tt.permanent {
				t.Errorf("err = %v, want permanent=%v", err, tt.permanent)
			}
		})
	}
}

// --- SMTP transport ---

// fakeSMTPServer accepts one session and records the DATA payload.
type fakeSMTPServer struct {
	ln       net.Listener
	rcptCode int

	mu   sync.Mutex
	from string
	rcpt string
	data string
	done chan struct{}
}

func startFakeSMTP(t *testing.T, rcptCode int) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &fakeSMTPServer{ln: ln, rcptCode: rcptCode, done: make(chan struct{})}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *fakeSMTPServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeSMTPServer) serve() {
	defer close(s.done)
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	tp := textproto.NewConn(conn)
	tp.PrintfLine("220 fake ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch cmd {
		case "EHLO", "HELO":
			tp.PrintfLine("250 fake")
		case "MAIL":
			s.mu.Lock()
			s.from = line
			s.mu.Unlock()
			tp.PrintfLine("250 OK")
		case "RCPT":
			s.mu.Lock()
			s.rcpt = line
			s.mu.Unlock()
			if s.rcptCode >= 500 {
				tp.PrintfLine("%d no such user", s.rcptCode)
			} else {
				tp.PrintfLine("250 OK")
			}
		case "DATA":
			tp.PrintfLine("354 go ahead")
			data, err := tp.ReadDotBytes()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.data = string(data)
			s.mu.Unlock()
			tp.PrintfLine("250 queued")
		case "QUIT":
			tp.PrintfLine("221 bye")
			return
		default:
			tp.PrintfLine("250 OK")
		}
	}
}

func TestSMTPTransport_Deliver(t *testing.T) {
	srv := startFakeSMTP(t, 250)
	tr := NewSMTPTransport(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), Timeout: 5 * time.Second})

	msg, _ := Compose("orders@tileprodepot.com", "cs@example.com", testPayload, time.Now())
	if err := tr.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	<-srv.done

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if !strings.Contains(srv.from, "orders@tileprodepot.com") || !strings.Contains(srv.rcpt, "cs@example.com") {
		t.Errorf("envelope = %q / %q", srv.from, srv.rcpt)
	}
	if !strings.Contains(srv.data, "Message-ID: "+msg.ID) {
		t.Error("DATA does not contain the composed message")
	}
}

func TestSMTPTransport_RejectedRecipientIsPermanent(t *testing.T) {
	srv := startFakeSMTP(t, 550)
	tr := NewSMTPTransport(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), Timeout: 5 * time.Second})

	msg, _ := Compose("orders@tileprodepot.com", "nobody@example.com", testPayload, time.Now())
	err := tr.Deliver(context.Background(), msg)
	if !models.IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
}

func TestSMTPTransport_ConnectionRefusedIsTransient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	tr := NewSMTPTransport(SMTPConfig{Host: "127.0.0.1", Port: port, Timeout: 2 * time.Second})
	msg, _ := Compose("a@b.c", "d@e.f", testPayload, time.Now())
	if err := tr.Deliver(context.Background(), msg); !models.IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}
