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

package extraction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tpd/orderrelay/internal/models"
)

const systemPrompt = `You extract purchase orders from e-commerce order notification emails.
Reply with a single JSON object and nothing else. Copy values exactly as they appear in the email.
Use an empty string for any value that is not present. Never invent data.`

const schemaDescription = `{
  "order_id": "order number as shown in the email",
  "customer_name": "customer full name",
  "phone": "customer phone number",
  "line_items": [
    {"name": "product name", "sku": "product SKU without #", "quantity": 1, "price": "price as shown, e.g. $130.20"}
  ],
  "shipping_address": {"name": "", "street": "", "city": "", "state": "", "zip": ""},
  "billing_address": {"name": "", "street": "", "city": "", "state": "", "zip": ""},
  "shipping_method": "shipping method as shown",
  "order_total": "order total as shown"
}`

// buildRequest renders the instruction for one product line.
func buildRequest(text string, line models.ProductLine) Request {
	family := line.DisplayName()
	var b strings.Builder
	fmt.Fprintf(&b, "Extract the order below. Include ONLY %s products in line_items; ignore every other product.\n", family)
	b.WriteString("Return JSON matching exactly this schema:\n")
	b.WriteString(schemaDescription)
	b.WriteString("\n\nOrder email:\n<<<\n")
	b.WriteString(text)
	b.WriteString("\n>>>")
	return Request{System: systemPrompt, Prompt: b.String()}
}

// wireOrder is the JSON shape the model is asked to produce.
type wireOrder struct {
	OrderID         flexString   `json:"order_id"`
	CustomerName    string       `json:"customer_name"`
	Phone           string       `json:"phone"`
	LineItems       []wireItem   `json:"line_items"`
	ShippingAddress *wireAddress `json:"shipping_address"`
	BillingAddress  *wireAddress `json:"billing_address"`
	ShippingMethod  string       `json:"shipping_method"`
	OrderTotal      flexString   `json:"order_total"`
}

type wireItem struct {
	Name     string     `json:"name"`
	SKU      flexString `json:"sku"`
	Quantity flexInt    `json:"quantity"`
	Price    flexString `json:"price"`
}

type wireAddress struct {
	Name   string     `json:"name"`
	Street string     `json:"street"`
	City   string     `json:"city"`
	State  string     `json:"state"`
	Zip    flexString `json:"zip"`
}

func (a *wireAddress) toModel() models.Address {
	if a == nil {
		return models.Address{}
	}
	return models.Address{
		Name:   strings.TrimSpace(a.Name),
		Street: strings.TrimSpace(a.Street),
		City:   strings.TrimSpace(a.City),
		State:  strings.TrimSpace(a.State),
		Zip:    strings.TrimSpace(string(a.Zip)),
	}
}

// flexString accepts JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(b))
	}
	*f = flexString(n.String())
	return nil
}

// flexInt accepts JSON numbers and numeric strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = 0
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexInt(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("expected integer, got %s", string(b))
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("expected integer, got %q", s)
	}
	*f = flexInt(n)
	return nil
}

// decodeOrder parses the model output. Text around the outermost JSON object
// is ignored.
func decodeOrder(raw string, line models.ProductLine) (*models.ClassifiedOrder, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, errors.New("response contains no JSON object")
	}

	var w wireOrder
	if err := json.Unmarshal([]byte(raw[start:end+1]), &w); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}

	shipping := w.ShippingAddress.toModel()
	billing := w.BillingAddress.toModel()
	if shipping.IsZero() && !billing.IsZero() {
		shipping = billing
	}
	if shipping.Name == "" {
		shipping.Name = strings.TrimSpace(w.CustomerName)
	}

	order := &models.ClassifiedOrder{
		OrderID:         strings.TrimPrefix(strings.TrimSpace(string(w.OrderID)), "#"),
		CustomerName:    strings.TrimSpace(w.CustomerName),
		Phone:           strings.TrimSpace(w.Phone),
		ShippingAddress: shipping,
		BillingAddress:  billing,
		ShippingMethod:  strings.TrimSpace(w.ShippingMethod),
		OrderTotal:      strings.TrimSpace(string(w.OrderTotal)),
		Line:            line,
	}
	for _, it := range w.LineItems {
		order.LineItems = append(order.LineItems, models.LineItem{
			Name:      strings.TrimSpace(it.Name),
			SKU:       strings.TrimPrefix(strings.TrimSpace(string(it.SKU)), "#"),
			Quantity:  int(it.Quantity),
			UnitPrice: strings.TrimSpace(string(it.Price)),
			Family:    line,
		})
	}
	return order, nil
}

// validate enforces the required fields of a ClassifiedOrder.
func validate(o *models.ClassifiedOrder) error {
	var missing []string
	if o.OrderID == "" {
		missing = append(missing, "order_id")
	}
	if o.CustomerName == "" {
		missing = append(missing, "customer_name")
	}
	if len(o.LineItems) == 0 {
		missing = append(missing, "line_items")
	}
	if o.ShippingAddress.Name == "" || o.ShippingAddress.Street == "" {
		missing = append(missing, "shipping_address")
	}
	if o.ShippingMethod == "" {
		missing = append(missing, "shipping_method")
	}
	if o.OrderTotal == "" {
		missing = append(missing, "order_total")
	}
	for i, it := range o.LineItems {
		if it.Name == "" {
			missing = append(missing, fmt.Sprintf("line_items[%d].name", i))
		}
		if it.Quantity < 1 {
			missing = append(missing, fmt.Sprintf("line_items[%d].quantity", i))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing or invalid fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
