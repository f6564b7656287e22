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

package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/tpd/orderrelay/internal/dispatch"
	"github.com/tpd/orderrelay/internal/models"
)

const gmailUser = "me"

// NewGmailService builds a Gmail client from an OAuth client secret file and
// a previously authorized token file. The token must carry gmail.modify so
// the same service can list the inbox and insert sent copies.
func NewGmailService(ctx context.Context, credentialsPath, tokenPath string) (*gmail.Service, error) {
	b, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read client secret file: %w", err)
	}
	oauthConfig, err := google.ConfigFromJSON(b, gmail.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("parse client secret file: %w", err)
	}
	tok, err := tokenFromFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("read token file %s: %w", tokenPath, err)
	}
	srv, err := gmail.NewService(ctx, option.WithTokenSource(oauthConfig.TokenSource(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return srv, nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// GmailConfig configures the Gmail inbox reader.
type GmailConfig struct {
	Service *gmail.Service
	// Query is a Gmail search expression narrowing the listing, for example
	// "from:noreply@tileprodepot.com". The received-after bound is appended.
	Query    string
	PageSize int64
	Timeout  time.Duration

	IncludeAttachments bool
}

// GmailSource lists inbox messages through the Gmail API.
type GmailSource struct {
	cfg GmailConfig
}

var _ Source = (*GmailSource)(nil)

// NewGmailSource creates a Gmail source.
func NewGmailSource(cfg GmailConfig) *GmailSource {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &GmailSource{cfg: cfg}
}

func (s *GmailSource) query(since time.Time) string {
	return strings.TrimSpace(fmt.Sprintf("%s after:%d", s.cfg.Query, since.Unix()))
}

// Fetch returns messages received at or after since.
func (s *GmailSource) Fetch(ctx context.Context, since time.Time) ([]models.IncomingMessage, error) {
	var ids []string
	listCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	err := s.cfg.Service.Users.Messages.List(gmailUser).
		Q(s.query(since)).
		MaxResults(s.cfg.PageSize).
		Pages(listCtx, func(resp *gmail.ListMessagesResponse) error {
			for _, m := range resp.Messages {
				ids = append(ids, m.Id)
			}
			return nil
		})
	if err != nil {
		return nil, classifyGoogle("gmail list messages", err)
	}

	out := make([]models.IncomingMessage, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		msg, err := s.get(ctx, id)
		if err != nil {
			if models.IsPermanent(err) {
				slog.Warn("skipping unreadable message", "message_id", id, "stage", "mailbox", "error", err)
				continue
			}
			return out, err
		}
		if msg.ReceivedAt.Before(since) {
			continue
		}
		out = append(out, *msg)
	}
	return out, nil
}

func (s *GmailSource) get(ctx context.Context, id string) (*models.IncomingMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	full, err := s.cfg.Service.Users.Messages.Get(gmailUser, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogle("gmail get message", err)
	}
	msg := parseGmailMessage(full)

	if s.cfg.IncludeAttachments {
		for _, ref := range attachmentRefs(full.Payload) {
			att, err := s.cfg.Service.Users.Messages.Attachments.Get(gmailUser, id, ref.id).Context(ctx).Do()
			if err != nil {
				slog.Warn("failed to fetch attachment", "message_id", id, "name", ref.name, "error", err)
				continue
			}
			data, err := decodeGmailData(att.Data)
			if err != nil {
				continue
			}
			msg.Attachments = append(msg.Attachments, models.Attachment{Name: ref.name, ContentType: ref.mimeType, Data: data})
		}
	}
	return msg, nil
}

// parseGmailMessage flattens a full-format message. The plain text part is
// preferred over HTML.
func parseGmailMessage(m *gmail.Message) *models.IncomingMessage {
	msg := &models.IncomingMessage{
		ID:         m.Id,
		ReceivedAt: time.UnixMilli(m.InternalDate).UTC(),
	}
	if m.Payload == nil {
		return msg
	}

	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			msg.Subject = h.Value
		case "from":
			msg.From = parseAddress(h.Value)
		case "to":
			if list, err := mail.ParseAddressList(h.Value); err == nil {
				for _, a := range list {
					msg.To = append(msg.To, models.EmailAddress{Address: a.Address, Name: a.Name})
				}
			}
		}
	}

	var text, html string
	walkParts(m.Payload, func(p *gmail.MessagePart) {
		if p.Filename != "" || p.Body == nil || p.Body.Data == "" {
			return
		}
		data, err := decodeGmailData(p.Body.Data)
		if err != nil {
			return
		}
		switch {
		case strings.HasPrefix(p.MimeType, "text/plain") && text == "":
			text = string(data)
		case strings.HasPrefix(p.MimeType, "text/html") && html == "":
			html = string(data)
		}
	})
	switch {
	case strings.TrimSpace(text) != "":
		msg.Body = models.EmailBody{ContentType: "text", Content: text}
	case html != "":
		msg.Body = models.EmailBody{ContentType: "html", Content: html}
	}
	return msg
}

func walkParts(p *gmail.MessagePart, fn func(*gmail.MessagePart)) {
	if p == nil {
		return
	}
	fn(p)
	for _, child := range p.Parts {
		walkParts(child, fn)
	}
}

type attachmentRef struct {
	id, name, mimeType string
}

func attachmentRefs(p *gmail.MessagePart) []attachmentRef {
	var refs []attachmentRef
	walkParts(p, func(part *gmail.MessagePart) {
		if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
			refs = append(refs, attachmentRef{id: part.Body.AttachmentId, name: part.Filename, mimeType: part.MimeType})
		}
	})
	return refs
}

func parseAddress(v string) models.EmailAddress {
	if a, err := mail.ParseAddress(v); err == nil {
		return models.EmailAddress{Address: a.Address, Name: a.Name}
	}
	return models.EmailAddress{Address: strings.TrimSpace(v)}
}

// decodeGmailData accepts padded and unpadded base64url.
func decodeGmailData(s string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// classifyGoogle maps Google API errors onto the transient/permanent split.
func classifyGoogle(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500 {
			return models.Transient(op, err)
		}
		return models.Permanent(op, err)
	}
	return models.Transient(op, err)
}

// GmailSentStore inserts sent copies into the account's mailbox with the
// SENT label.
type GmailSentStore struct {
	srv *gmail.Service
}

var _ dispatch.SentStore = (*GmailSentStore)(nil)

// NewGmailSentStore creates a Gmail sent-copy store.
func NewGmailSentStore(srv *gmail.Service) *GmailSentStore {
	return &GmailSentStore{srv: srv}
}

func (g *GmailSentStore) StoreSent(ctx context.Context, msg *dispatch.Message) error {
	_, err := g.srv.Users.Messages.Insert(gmailUser, &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(msg.Raw),
		LabelIds: []string{"SENT"},
	}).Context(ctx).Do()
	if err != nil {
		return classifyGoogle("gmail insert sent copy", err)
	}
	return nil
}
