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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tpd/orderrelay/internal/dispatch"
	"github.com/tpd/orderrelay/internal/models"
)

// GraphConfig configures the Graph inbox reader.
type GraphConfig struct {
	// HTTPClient must attach the OAuth2 bearer token.
	HTTPClient *http.Client
	BaseURL    string
	Mailbox    string

	PageSize  int
	PageDelay time.Duration // pause between pages to stay under throttling
	MaxPages  int           // 0 = unlimited
	Timeout   time.Duration // per request

	IncludeAttachments bool
}

// GraphSource lists inbox messages through the Microsoft Graph API.
type GraphSource struct {
	cfg GraphConfig
}

var _ Source = (*GraphSource)(nil)

// NewGraphSource creates a Graph source.
func NewGraphSource(cfg GraphConfig) *GraphSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = dispatch.DefaultGraphBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.PageDelay < 0 {
		cfg.PageDelay = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &GraphSource{cfg: cfg}
}

// messagesPage is one page of the /messages list response.
type messagesPage struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

type graphRecipient struct {
	EmailAddress struct {
		Address string `json:"address"`
		Name    string `json:"name"`
	} `json:"emailAddress"`
}

type graphMessage struct {
	ID               string           `json:"id"`
	Subject          string           `json:"subject"`
	From             graphRecipient   `json:"from"`
	ToRecipients     []graphRecipient `json:"toRecipients"`
	ReceivedDateTime time.Time        `json:"receivedDateTime"`
	Body             struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	HasAttachments bool `json:"hasAttachments"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// Fetch returns messages received at or after since, newest first.
func (s *GraphSource) Fetch(ctx context.Context, since time.Time) ([]models.IncomingMessage, error) {
	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339)))
	params.Set("$select", "id,subject,from,toRecipients,receivedDateTime,body,hasAttachments")
	params.Set("$orderby", "receivedDateTime desc")
	params.Set("$top", strconv.Itoa(s.cfg.PageSize))

	listURL := fmt.Sprintf("%s/users/%s/messages?%s", s.cfg.BaseURL, url.PathEscape(s.cfg.Mailbox), params.Encode())

	var out []models.IncomingMessage
	pageCount := 0
	for nextURL := listURL; nextURL != ""; {
		if s.cfg.MaxPages > 0 && pageCount >= s.cfg.MaxPages {
			slog.Warn("mailbox page limit reached", "mailbox", s.cfg.Mailbox, "pages", pageCount)
			break
		}
		if pageCount > 0 && s.cfg.PageDelay > 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(s.cfg.PageDelay):
			}
		}

		var page messagesPage
		if err := s.get(ctx, "graph list messages", nextURL, &page); err != nil {
			return out, fmt.Errorf("fetch page %d: %w", pageCount, err)
		}
		pageCount++

		slog.Debug("mailbox page fetched",
			"mailbox", s.cfg.Mailbox,
			"page", pageCount,
			"messages", len(page.Value),
		)

		for _, gm := range page.Value {
			msg := toIncoming(gm)
			if gm.HasAttachments && s.cfg.IncludeAttachments {
				atts, err := s.attachments(ctx, gm.ID)
				if err != nil {
					slog.Warn("failed to fetch attachments",
						"message_id", gm.ID,
						"stage", "mailbox",
						"error", err,
					)
				}
				msg.Attachments = atts
			}
			out = append(out, msg)
		}
		nextURL = page.NextLink
	}
	return out, nil
}

func (s *GraphSource) attachments(ctx context.Context, messageID string) ([]models.Attachment, error) {
	endpoint := fmt.Sprintf("%s/users/%s/messages/%s/attachments",
		s.cfg.BaseURL, url.PathEscape(s.cfg.Mailbox), url.PathEscape(messageID))

	var resp struct {
		Value []graphAttachment `json:"value"`
	}
	if err := s.get(ctx, "graph list attachments", endpoint, &resp); err != nil {
		return nil, err
	}

	var out []models.Attachment
	for _, a := range resp.Value {
		if a.ODataType != "#microsoft.graph.fileAttachment" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(a.ContentBytes)
		if err != nil {
			return out, fmt.Errorf("decode attachment %q: %w", a.Name, err)
		}
		out = append(out, models.Attachment{Name: a.Name, ContentType: a.ContentType, Data: data})
	}
	return out, nil
}

func (s *GraphSource) get(ctx context.Context, op, endpoint string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Add("Prefer", `outlook.body-content-type="text"`)
	req.Header.Add("Prefer", "odata.maxpagesize="+strconv.Itoa(s.cfg.PageSize))

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return models.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return models.Transient(op, err)
		}
		return models.Permanent(op, err)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return models.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func toIncoming(gm graphMessage) models.IncomingMessage {
	to := make([]models.EmailAddress, 0, len(gm.ToRecipients))
	for _, r := range gm.ToRecipients {
		to = append(to, models.EmailAddress{Address: r.EmailAddress.Address, Name: r.EmailAddress.Name})
	}
	return models.IncomingMessage{
		ID: gm.ID,
		From: models.EmailAddress{
			Address: gm.From.EmailAddress.Address,
			Name:    gm.From.EmailAddress.Name,
		},
		To:         to,
		Subject:    gm.Subject,
		ReceivedAt: gm.ReceivedDateTime,
		Body: models.EmailBody{
			ContentType: gm.Body.ContentType,
			Content:     gm.Body.Content,
		},
	}
}

// GraphSentStore files sent copies in the mailbox's Sent Items folder.
type GraphSentStore struct {
	client  *http.Client
	baseURL string
	mailbox string
	timeout time.Duration
}

var _ dispatch.SentStore = (*GraphSentStore)(nil)

// NewGraphSentStore creates a Graph sent-copy store.
func NewGraphSentStore(client *http.Client, baseURL, mailbox string, timeout time.Duration) *GraphSentStore {
	if baseURL == "" {
		baseURL = dispatch.DefaultGraphBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GraphSentStore{client: client, baseURL: baseURL, mailbox: mailbox, timeout: timeout}
}

func (g *GraphSentStore) StoreSent(ctx context.Context, msg *dispatch.Message) error {
	endpoint := fmt.Sprintf("%s/users/%s/mailFolders/sentitems/messages", g.baseURL, url.PathEscape(g.mailbox))
	return dispatch.GraphPost(ctx, g.client, g.timeout, "graph store sent copy", endpoint, dispatch.NewGraphMessage(msg))
}
