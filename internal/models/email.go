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

// Package models defines the data structures shared across the order relay.
package models

import (
	"strings"
	"time"
)

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// EmailBody represents the message body content.
type EmailBody struct {
	ContentType string `json:"content_type"` // "text" or "html"
	Content     string `json:"content"`
}

// IsHTML reports whether the body carries markup.
func (b EmailBody) IsHTML() bool {
	return strings.EqualFold(b.ContentType, "html") || strings.Contains(strings.ToLower(b.ContentType), "text/html")
}

// Attachment represents a file attached to an email.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data,omitempty"`
}

// IncomingMessage is a vendor notification as read from the inbound mailbox.
// It is transient and never persisted.
type IncomingMessage struct {
	ID          string         `json:"id"`
	From        EmailAddress   `json:"from"`
	To          []EmailAddress `json:"to"`
	Subject     string         `json:"subject"`
	ReceivedAt  time.Time      `json:"received_at"`
	Body        EmailBody      `json:"body"`
	Attachments []Attachment   `json:"attachments"`
}
