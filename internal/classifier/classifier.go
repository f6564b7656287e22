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

// Package classifier decides which tracked product lines, if any, a vendor
// order notification concerns. Classification is a pure function of the
// message: it never touches the ledger or the extraction backend.
package classifier

import (
	"regexp"
	"strings"

	"github.com/tpd/orderrelay/internal/models"
	"github.com/tpd/orderrelay/internal/textnorm"
)

const (
	DefaultSender        = "noreply@tileprodepot.com"
	DefaultSubjectMarker = "new customer order"
	DefaultBodyMarker    = "received the following order"
)

// orderIDPattern captures the vendor order number from subjects such as
// "[Tile Pro Depot]: New customer order (43060)".
var orderIDPattern = regexp.MustCompile(`\((\d+)\)`)

// familyMarkers are compared against the compacted body, so spacing and
// punctuation variants ("Tile Ware", "LATI-CRETE") still match.
var familyMarkers = map[models.ProductLine][]string{
	models.LineTileWare:  {"tileware"},
	models.LineLaticrete: {"laticrete"},
}

// Config holds the fixed vendor markers.
type Config struct {
	AllowedSenders []string
	SubjectMarker  string
	BodyMarker     string
}

// Result is the outcome of classifying one message.
type Result struct {
	Line        models.ProductLine
	Text        string // normalised body forwarded to extraction
	OrderIDHint string // order number from the subject, if present
	Reason      string // why the message classified to None
}

// Lines returns the tracked lines to process, one unit of work each.
func (r Result) Lines() []models.ProductLine {
	return r.Line.Expand()
}

// Classifier matches messages against the vendor allow-list and markers.
type Classifier struct {
	senders       map[string]bool
	subjectMarker string
	bodyMarker    string
}

// New creates a classifier, falling back to the Tile Pro Depot defaults for
// anything left empty.
func New(cfg Config) *Classifier {
	senders := cfg.AllowedSenders
	if len(senders) == 0 {
		senders = []string{DefaultSender}
	}
	c := &Classifier{
		senders:       make(map[string]bool, len(senders)),
		subjectMarker: textnorm.Fold(firstNonEmpty(cfg.SubjectMarker, DefaultSubjectMarker)),
		bodyMarker:    textnorm.Compact(firstNonEmpty(cfg.BodyMarker, DefaultBodyMarker)),
	}
	for _, s := range senders {
		c.senders[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return c
}

// Classify inspects sender, subject and body and reports the product line.
func (c *Classifier) Classify(msg models.IncomingMessage) Result {
	sender := strings.ToLower(strings.TrimSpace(msg.From.Address))
	if !c.senders[sender] {
		return Result{Line: models.LineNone, Reason: "sender not allow-listed"}
	}

	if !strings.Contains(textnorm.Fold(msg.Subject), c.subjectMarker) {
		return Result{Line: models.LineNone, Reason: "subject marker missing"}
	}

	text := Normalize(msg.Body)
	compact := textnorm.Compact(text)
	if !strings.Contains(compact, c.bodyMarker) {
		return Result{Line: models.LineNone, Reason: "body marker missing"}
	}

	line := models.LineNone
	for _, l := range models.TrackedLines {
		for _, marker := range familyMarkers[l] {
			if strings.Contains(compact, marker) {
				line = line.Combine(l)
				break
			}
		}
	}

	res := Result{Line: line, Text: text, OrderIDHint: OrderIDFromSubject(msg.Subject)}
	if line == models.LineNone {
		res.Reason = "no tracked product family"
		res.Text = ""
	}
	return res
}

// Normalize renders a message body as plain text.
func Normalize(body models.EmailBody) string {
	if body.IsHTML() {
		return textnorm.HTMLToText(body.Content)
	}
	return textnorm.CollapseWhitespace(body.Content)
}

// OrderIDFromSubject extracts the parenthesised order number, or "".
func OrderIDFromSubject(subject string) string {
	m := orderIDPattern.FindStringSubmatch(subject)
	if m == nil {
		return ""
	}
	return m[1]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
