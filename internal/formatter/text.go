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
	"strings"

	"github.com/tpd/orderrelay/internal/models"
)

const defaultShippingMethod = "STANDARD SHIPPING"

var textHTML = template.Must(template.New("text").Parse(`<html>
<body style="font-family: monospace">
<p>{{range .}}{{.}}<br>
{{end}}</p>
</body>
</html>
`))

// FormatText renders the TileWare customer-service order.
func FormatText(order *models.ClassifiedOrder, items []models.LineItem) models.Payload {
	lines := textLines(order, items)

	var html strings.Builder
	if err := textHTML.Execute(&html, lines); err != nil {
		// Executing a parsed template into a strings.Builder only fails on
		// template bugs; fall back to text only.
		html.Reset()
	}

	return models.Payload{
		Subject:  fmt.Sprintf("TileWare Order #%s - Action Required", order.OrderID),
		TextBody: strings.Join(lines, "\n"),
		HTMLBody: html.String(),
	}
}

func textLines(order *models.ClassifiedOrder, items []models.LineItem) []string {
	lines := []string{
		"Hi CS - Please place this order::::",
		"Hi CS, please place this order -",
	}
	for _, it := range items {
		if it.SKU != "" {
			lines = append(lines, fmt.Sprintf("%s (#%s) x%d", it.Name, it.SKU, it.Quantity))
		} else {
			lines = append(lines, fmt.Sprintf("%s x%d", it.Name, it.Quantity))
		}
	}

	method := strings.ToUpper(strings.TrimSpace(order.ShippingMethod))
	if method == "" {
		method = defaultShippingMethod
	}
	lines = append(lines, "", "SHIP TO:", method, "")

	addr := shipTo(order)
	lines = append(lines, addr.Name)
	if addr.Street != "" {
		lines = append(lines, addr.Street)
	}
	if cityLine := addr.CityLine(); cityLine != "" {
		lines = append(lines, cityLine)
	}
	return append(lines, "", "::::")
}

// shipTo returns the delivery address, falling back to the billing address
// and then to the customer name alone.
func shipTo(order *models.ClassifiedOrder) models.Address {
	addr := order.ShippingAddress
	if addr.IsZero() && !order.BillingAddress.IsZero() {
		addr = order.BillingAddress
	}
	if addr.Name == "" {
		addr.Name = order.CustomerName
	}
	return addr
}
