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

package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProductLine identifies which tracked vendor product family a message or
// order concerns.
type ProductLine string

const (
	LineNone      ProductLine = "none"
	LineTileWare  ProductLine = "tileware"
	LineLaticrete ProductLine = "laticrete"
	LineBoth      ProductLine = "both"
)

// TrackedLines are the lines that can key a ledger record.
var TrackedLines = []ProductLine{LineTileWare, LineLaticrete}

// ParseProductLine converts a user-supplied name into a ProductLine.
func ParseProductLine(s string) (ProductLine, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tileware", "tile ware":
		return LineTileWare, nil
	case "laticrete":
		return LineLaticrete, nil
	case "both":
		return LineBoth, nil
	case "none", "":
		return LineNone, nil
	}
	return LineNone, fmt.Errorf("unknown product line %q", s)
}

// Tracked reports whether l is a single line that can be dispatched.
func (l ProductLine) Tracked() bool {
	switch l {
	case LineTileWare, LineLaticrete:
		return true
	case LineBoth, LineNone:
		return false
	}
	return false
}

// Expand returns the tracked lines l stands for.
func (l ProductLine) Expand() []ProductLine {
	switch l {
	case LineTileWare:
		return []ProductLine{LineTileWare}
	case LineLaticrete:
		return []ProductLine{LineLaticrete}
	case LineBoth:
		return []ProductLine{LineTileWare, LineLaticrete}
	case LineNone:
		return nil
	}
	return nil
}

// Combine merges two lines, e.g. TileWare + Laticrete = Both.
func (l ProductLine) Combine(other ProductLine) ProductLine {
	switch {
	case l == other, other == LineNone:
		return l
	case l == LineNone:
		return other
	default:
		return LineBoth
	}
}

// DisplayName is the vendor's own spelling of the line.
func (l ProductLine) DisplayName() string {
	switch l {
	case LineTileWare:
		return "TileWare"
	case LineLaticrete:
		return "Laticrete"
	case LineBoth:
		return "TileWare+Laticrete"
	case LineNone:
		return "None"
	}
	return string(l)
}

// Address is a postal address as extracted from the vendor notification.
type Address struct {
	Name   string `json:"name"`
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

// CityLine renders "City, ST ZIP".
func (a Address) CityLine() string {
	line := a.City
	if a.State != "" {
		if line != "" {
			line += ", "
		}
		line += a.State
	}
	if a.Zip != "" {
		if line != "" {
			line += " "
		}
		line += a.Zip
	}
	return line
}

// IsZero reports whether the address carries no deliverable street.
func (a Address) IsZero() bool {
	return strings.TrimSpace(a.Street) == ""
}

// CatalogEntry is one row of the supplier price list.
type CatalogEntry struct {
	ProductName string          `json:"product_name"`
	SKU         string          `json:"sku"`
	Price       decimal.Decimal `json:"price"`
	Unit        string          `json:"unit,omitempty"`
}

// LineItem is one ordered product.
type LineItem struct {
	Name      string        `json:"name"`
	SKU       string        `json:"sku,omitempty"`
	Quantity  int           `json:"quantity"`
	UnitPrice string        `json:"unit_price,omitempty"` // as provided by the vendor
	Family    ProductLine   `json:"family,omitempty"`
	Matched   *CatalogEntry `json:"matched,omitempty"`
	Unmatched bool          `json:"unmatched,omitempty"`
}

// ClassifiedOrder is the structured result of a successful extraction. It is
// not modified after creation; enrichment produces copies of its items.
type ClassifiedOrder struct {
	OrderID         string      `json:"order_id"`
	CustomerName    string      `json:"customer_name"`
	Phone           string      `json:"phone,omitempty"`
	ShippingAddress Address     `json:"shipping_address"`
	BillingAddress  Address     `json:"billing_address"`
	ShippingMethod  string      `json:"shipping_method"`
	LineItems       []LineItem  `json:"line_items"`
	OrderTotal      string      `json:"order_total"`
	Line            ProductLine `json:"product_line"`
}

// ItemsFor returns the items belonging to line. Items without a family are
// assumed to belong to the line they were extracted for.
func (o *ClassifiedOrder) ItemsFor(line ProductLine) []LineItem {
	var out []LineItem
	for _, it := range o.LineItems {
		if it.Family == line || (it.Family == "" && o.Line == line) {
			out = append(out, it)
		}
	}
	return out
}

// Payload is the exact content handed to the outbound transport. It doubles
// as the content snapshot stored in the ledger for resends.
type Payload struct {
	Subject    string      `json:"subject"`
	TextBody   string      `json:"text_body"`
	HTMLBody   string      `json:"html_body,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Receipt confirms that the outbound transport accepted a message.
type Receipt struct {
	MessageID  string    `json:"message_id"`
	Recipient  string    `json:"recipient"`
	AcceptedAt time.Time `json:"accepted_at"`
	Attempts   int       `json:"attempts"`
}

// DispatchEvent announces a recorded dispatch to downstream consumers.
type DispatchEvent struct {
	OrderID      string      `json:"order_id"`
	Line         ProductLine `json:"product_line"`
	CustomerName string      `json:"customer_name"`
	Recipient    string      `json:"recipient"`
	MessageID    string      `json:"message_id"`
	OrderTotal   string      `json:"order_total"`
	Items        int         `json:"items"`
	DispatchedAt time.Time   `json:"dispatched_at"`
	CycleID      string      `json:"cycle_id,omitempty"`
}
