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
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tpd/orderrelay/internal/models"
)

// GraphEmailAddress is the Graph API recipient shape.
type GraphEmailAddress struct {
	EmailAddress struct {
		Address string `json:"address"`
		Name    string `json:"name,omitempty"`
	} `json:"emailAddress"`
}

// GraphMessage is the subset of the Graph message resource used for
// outbound mail.
type GraphMessage struct {
	Subject string `json:"subject"`
	Body    struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	From              *GraphEmailAddress  `json:"from,omitempty"`
	ToRecipients      []GraphEmailAddress `json:"toRecipients"`
	InternetMessageID string              `json:"internetMessageId,omitempty"`
	Attachments       []GraphAttachment   `json:"attachments,omitempty"`
}

// GraphAttachment is a Graph fileAttachment.
type GraphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// NewGraphMessage converts a composed message into the Graph shape. The HTML
// body is preferred when present.
func NewGraphMessage(msg *Message) GraphMessage {
	var gm GraphMessage
	gm.Subject = msg.Payload.Subject
	if msg.Payload.HTMLBody != "" {
		gm.Body.ContentType = "HTML"
		gm.Body.Content = msg.Payload.HTMLBody
	} else {
		gm.Body.ContentType = "Text"
		gm.Body.Content = msg.Payload.TextBody
	}

	var to GraphEmailAddress
	to.EmailAddress.Address = msg.To
	gm.ToRecipients = []GraphEmailAddress{to}

	from := &GraphEmailAddress{}
	from.EmailAddress.Address = msg.From
	gm.From = from
	gm.InternetMessageID = msg.ID

	if a := msg.Payload.Attachment; a != nil {
		gm.Attachments = []GraphAttachment{{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         a.Name,
			ContentType:  a.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(a.Data),
		}}
	}
	return gm
}

// GraphConfig holds Graph API send settings.
type GraphConfig struct {
	// HTTPClient must attach the OAuth2 bearer token.
	HTTPClient *http.Client
	BaseURL    string
	// Mailbox is the user id or UPN that sends.
	Mailbox string
	Timeout time.Duration
}

// GraphTransport sends mail with the Graph sendMail action.
type GraphTransport struct {
	client  *http.Client
	baseURL string
	mailbox string
	timeout time.Duration
}

var _ Transport = (*GraphTransport)(nil)

// DefaultGraphBaseURL is the Graph v1.0 endpoint.
const DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

// NewGraphTransport creates a Graph transport.
func NewGraphTransport(cfg GraphConfig) *GraphTransport {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGraphBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &GraphTransport{
		client:  cfg.HTTPClient,
		baseURL: cfg.BaseURL,
		mailbox: cfg.Mailbox,
		timeout: cfg.Timeout,
	}
}

func (t *GraphTransport) Name() string { return "graph" }

func (t *GraphTransport) Deliver(ctx context.Context, msg *Message) error {
	body := struct {
		Message         GraphMessage `json:"message"`
		SaveToSentItems bool         `json:"saveToSentItems"`
	}{Message: NewGraphMessage(msg)}

	endpoint := fmt.Sprintf("%s/users/%s/sendMail", t.baseURL, url.PathEscape(t.mailbox))
	return GraphPost(ctx, t.client, t.timeout, "graph sendMail", endpoint, body)
}

// GraphPost sends a JSON POST and classifies the response: 429 and 5xx are
// transient, other non-2xx statuses permanent.
func GraphPost(ctx context.Context, client *http.Client, timeout time.Duration, op, endpoint string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return models.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return models.Transient(op, err)
	}
	return models.Permanent(op, err)
}
