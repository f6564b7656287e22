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

// Package catalog loads the supplier price list and resolves ordered line
// items against it.
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/tpd/orderrelay/internal/models"
)

// columnAliases maps header spellings seen in supplier exports to the four
// catalog columns.
var columnAliases = map[string][]string{
	"name":  {"name", "product", "product name", "description", "item description"},
	"sku":   {"sku", "item number", "item no", "item no.", "item #", "laticrete item no"},
	"price": {"price", "unit price", "list price", "net price"},
	"unit":  {"unit", "uom", "unit of measure"},
}

// ErrNoColumns is returned when the header has neither a name nor a SKU column.
var ErrNoColumns = errors.New("catalog header has no name or sku column")

// Catalog holds the current price list snapshot. Reads never block a reload.
type Catalog struct {
	path    string
	entries atomic.Pointer[[]models.CatalogEntry]
}

// Open loads the catalog at path.
func Open(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// FromEntries builds an in-memory catalog.
func FromEntries(entries []models.CatalogEntry) *Catalog {
	c := &Catalog{}
	cp := append([]models.CatalogEntry(nil), entries...)
	c.entries.Store(&cp)
	return c
}

// Path returns the file the catalog was loaded from.
func (c *Catalog) Path() string { return c.path }

// Entries returns the current snapshot. Callers must not modify it.
func (c *Catalog) Entries() []models.CatalogEntry {
	p := c.entries.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Len returns the number of entries in the current snapshot.
func (c *Catalog) Len() int { return len(c.Entries()) }

// Reload re-reads the file. On error the previous snapshot stays in place.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return fmt.Errorf("catalog has no backing file")
	}
	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("open catalog %s: %w", c.path, err)
	}
	defer f.Close()

	entries, err := Parse(f)
	if err != nil {
		return fmt.Errorf("parse catalog %s: %w", c.path, err)
	}
	c.entries.Store(&entries)

	slog.Info("catalog loaded", "path", c.path, "entries", len(entries))
	return nil
}

// Parse reads CSV rows with a header line into catalog entries. Prices may
// carry a currency sign and thousands separators.
func Parse(r io.Reader) ([]models.CatalogEntry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := mapColumns(header)
	if cols["name"] < 0 && cols["sku"] < 0 {
		return nil, ErrNoColumns
	}

	var entries []models.CatalogEntry
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		e := models.CatalogEntry{
			ProductName: field(record, cols["name"]),
			SKU:         field(record, cols["sku"]),
			Unit:        field(record, cols["unit"]),
		}
		if e.ProductName == "" && e.SKU == "" {
			continue
		}
		if raw := field(record, cols["price"]); raw != "" {
			price, err := ParsePrice(raw)
			if err != nil {
				slog.Warn("catalog row has unreadable price",
					"line", line,
					"sku", e.SKU,
					"price", raw,
				)
			} else {
				e.Price = price
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ParsePrice parses "$1,234.50" style prices.
func ParsePrice(raw string) (decimal.Decimal, error) {
	cleaned := strings.NewReplacer("$", "", ",", "", " ", "").Replace(strings.TrimSpace(raw))
	return decimal.NewFromString(cleaned)
}

func mapColumns(header []string) map[string]int {
	cols := map[string]int{"name": -1, "sku": -1, "price": -1, "unit": -1}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		for col, aliases := range columnAliases {
			if cols[col] >= 0 {
				continue
			}
			for _, a := range aliases {
				if h == a {
					cols[col] = i
					break
				}
			}
		}
	}
	return cols
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}
