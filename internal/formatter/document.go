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

package formatter

import (
	"fmt"
	"html/template"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/tpd/orderrelay/internal/models"
)

const (
	// MaxFormRows is the number of product rows on the order form.
	MaxFormRows = 13

	pricePlaceholder = "TBD *"
	verifyNote       = "* Product requires manual price verification"
	verifyTag        = " [NEEDS PRICE VERIFICATION]"
)

// FormRow is one product row of the order form.
type FormRow struct {
	Quantity    string
	Description string
	ItemNumber  string
	UnitPrice   string
	Amount      string
	NeedsPrice  bool
}

// FormData is everything written onto the order form.
type FormData struct {
	Date           string
	OrderID        string
	ShipName       string
	ShipStreet     string
	ShipCityLine   string
	Phone          string
	ContactName    string
	ShippingMethod string
	Rows           []FormRow
	Notes          []string
}

// Instructions returns the two special-instruction lines.
func (d FormData) Instructions() []string {
	method := d.ShippingMethod
	if method == "" {
		method = "Standard"
	}
	return []string{
		"Tile Pro Depot Order #" + d.OrderID,
		"Ship via: " + method,
	}
}

// Fields maps the data onto the template's AcroForm field names.
func (d FormData) Fields() map[string]string {
	instr := d.Instructions()
	fields := map[string]string{
		"DATE":                   d.Date,
		"O":                      d.OrderID,
		"S 1":                    d.ShipName,
		"S 2":                    d.ShipStreet,
		"S 3":                    d.ShipCityLine,
		"S 4":                    d.Phone,
		"Contact name":           d.ContactName,
		"Phone":                  d.Phone,
		"Special Instructions 1": instr[0],
		"Special Instructions 2": instr[1],
	}
	for i, row := range d.Rows {
		n := strconv.Itoa(i + 1)
		fields["Quantity OrderedRow"+n] = row.Quantity
		fields["DescriptionRow"+n] = row.Description
		fields["Item NumberRow"+n] = row.ItemNumber
		fields["Unit PriceRow"+n] = row.UnitPrice
		fields["AmountRow"+n] = row.Amount
	}
	return fields
}

// BuildFormData lays out an enriched Laticrete order on the form. Matched
// items carry the catalog SKU and price; unmatched items are marked for
// manual price verification.
func BuildFormData(order *models.ClassifiedOrder, now time.Time) FormData {
	addr := shipTo(order)
	d := FormData{
		Date:           now.Format("01/02/2006"),
		OrderID:        order.OrderID,
		ShipName:       addr.Name,
		ShipStreet:     addr.Street,
		ShipCityLine:   addr.CityLine(),
		Phone:          order.Phone,
		ContactName:    order.CustomerName,
		ShippingMethod: order.ShippingMethod,
	}

	needsVerification := false
	for i, it := range order.LineItems {
		if i == MaxFormRows {
			break
		}
		row := FormRow{Quantity: strconv.Itoa(it.Quantity)}
		if it.Matched != nil {
			row.Description = it.Name
			row.ItemNumber = it.Matched.SKU
			row.UnitPrice = formatMoney(it.Matched.Price)
			row.Amount = formatMoney(it.Matched.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
		} else {
			row.Description = it.Name + " *"
			row.ItemNumber = it.SKU
			row.UnitPrice = pricePlaceholder
			row.NeedsPrice = true
			needsVerification = true
		}
		d.Rows = append(d.Rows, row)
	}
	if needsVerification {
		d.Notes = append(d.Notes, verifyNote)
	}
	return d
}

// formatMoney renders an amount as "$1,234.50".
func formatMoney(d decimal.Decimal) string {
	fixed := d.StringFixed(2)
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign, fixed = "-", fixed[1:]
	}
	whole, frac, _ := strings.Cut(fixed, ".")
	if n, err := strconv.ParseInt(whole, 10, 64); err == nil {
		whole = message.NewPrinter(language.English).Sprintf("%d", n)
	}
	return sign + "$" + whole + "." + frac
}

type summaryItem struct {
	SKU        string
	Name       string
	Quantity   int
	Price      string
	NeedsPrice bool
}

type summary struct {
	OrderID  string
	Customer string
	Date     string
	Items    []summaryItem
	Address  models.Address
	Verify   bool
}

func buildSummary(order *models.ClassifiedOrder, now time.Time) summary {
	s := summary{
		OrderID:  order.OrderID,
		Customer: order.CustomerName,
		Date:     now.Format("January 02, 2006"),
		Address:  shipTo(order),
	}
	for _, it := range order.LineItems {
		item := summaryItem{SKU: it.SKU, Name: it.Name, Quantity: it.Quantity, Price: it.UnitPrice}
		if it.Matched != nil {
			item.SKU = it.Matched.SKU
			item.Price = formatMoney(it.Matched.Price)
		} else {
			item.NeedsPrice = true
			s.Verify = true
		}
		if item.SKU == "" {
			item.SKU = "N/A"
		}
		if item.Price == "" {
			item.Price = "TBD"
		}
		s.Items = append(s.Items, item)
	}
	return s
}

var summaryHTML = template.Must(template.New("summary").Parse(`<html>
<body>
<h2>New Laticrete Order</h2>
<p>Please process the attached Laticrete order form.</p>
<h3>Order Summary:</h3>
<ul>
<li><strong>Order ID:</strong> {{.OrderID}}</li>
<li><strong>Customer:</strong> {{.Customer}}</li>
<li><strong>Date:</strong> {{.Date}}</li>
<li><strong>Total Items:</strong> {{len .Items}}</li>
</ul>
<h3>Products:</h3>
<table border="1" cellpadding="5" cellspacing="0">
<tr><th>SKU</th><th>Product</th><th>Quantity</th><th>Unit Price</th></tr>
{{range .Items}}<tr><td>{{.SKU}}</td><td>{{.Name}}{{if .NeedsPrice}}<span style="color: red;"> *</span>{{end}}</td><td>{{.Quantity}}</td><td>{{.Price}}{{if .NeedsPrice}}<span style="color: red;"> *</span>{{end}}</td></tr>
{{end}}</table>
{{if .Verify}}<p style="color: red; font-style: italic;">* These items were not found in the current price list. Please verify pricing before processing.</p>
{{end}}<h3>Shipping Address:</h3>
<p>{{.Address.Name}}<br>
{{.Address.Street}}<br>
{{.Address.CityLine}}</p>
<p><em>This order was automatically processed from Tile Pro Depot order confirmation.</em></p>
</body>
</html>
`))

// DocumentPayload renders the subject and summary bodies that accompany the
// Laticrete order form.
func DocumentPayload(order *models.ClassifiedOrder, now time.Time) models.Payload {
	s := buildSummary(order, now)

	var b strings.Builder
	b.WriteString("New Laticrete Order\n\n")
	b.WriteString("Please process the attached Laticrete order form.\n\n")
	b.WriteString("Order Summary:\n")
	fmt.Fprintf(&b, "- Order ID: %s\n", s.OrderID)
	fmt.Fprintf(&b, "- Customer: %s\n", s.Customer)
	fmt.Fprintf(&b, "- Date: %s\n", s.Date)
	fmt.Fprintf(&b, "- Total Items: %d\n\n", len(s.Items))
	b.WriteString("Products:\n")
	for _, it := range s.Items {
		tag := ""
		if it.NeedsPrice {
			tag = verifyTag
		}
		fmt.Fprintf(&b, "- %s | %s%s | Qty: %d | %s\n", it.SKU, it.Name, tag, it.Quantity, it.Price)
	}
	b.WriteString("\nShipping Address:\n")
	b.WriteString(s.Address.Name + "\n")
	if s.Address.Street != "" {
		b.WriteString(s.Address.Street + "\n")
	}
	if cityLine := s.Address.CityLine(); cityLine != "" {
		b.WriteString(cityLine + "\n")
	}
	b.WriteString("\nThis order was automatically processed from Tile Pro Depot order confirmation.\n")

	var html strings.Builder
	if err := summaryHTML.Execute(&html, s); err != nil {
		html.Reset()
	}

	return models.Payload{
		Subject:  fmt.Sprintf("Laticrete Order #%s - %s", order.OrderID, order.CustomerName),
		TextBody: b.String(),
		HTMLBody: html.String(),
	}
}
