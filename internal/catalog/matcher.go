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

package catalog

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/tpd/orderrelay/internal/models"
	"github.com/tpd/orderrelay/internal/textnorm"
)

// Rule records which matching rule resolved an item.
type Rule string

const (
	RuleSKU       Rule = "sku"
	RuleName      Rule = "name"
	RuleContains  Rule = "contains"
	RuleUnmatched Rule = "unmatched"
)

const (
	// vendorPrefix is stripped from item names before name comparisons.
	vendorPrefix = "laticrete "

	// minContainLen keeps very short names from matching everything.
	minContainLen = 4
)

// skuSuffix captures a "(#0254-0050)" style SKU embedded in an item name.
var skuSuffix = regexp.MustCompile(`\(\s*#\s*([A-Za-z0-9][A-Za-z0-9.\-/]*)\s*\)`)

// Match is the outcome of resolving one item.
type Match struct {
	Entry *models.CatalogEntry
	Rule  Rule
}

// Matched reports whether an entry was found.
func (m Match) Matched() bool { return m.Entry != nil }

// Match resolves item against the catalog. Rules are applied one at a time
// across every entry so a SKU hit always beats a name hit, whatever the
// order of the price list.
func (c *Catalog) Match(item models.LineItem) Match {
	entries := c.Entries()

	if sku := normalizeSKU(itemSKU(item)); sku != "" {
		for i := range entries {
			if normalizeSKU(entries[i].SKU) == sku {
				return Match{Entry: &entries[i], Rule: RuleSKU}
			}
		}
	}

	names := nameCandidates(item.Name)
	if len(names) == 0 {
		return Match{Rule: RuleUnmatched}
	}
	for i := range entries {
		for _, entryName := range nameCandidates(entries[i].ProductName) {
			for _, n := range names {
				if textnorm.EqualFold(entryName, n) {
					return Match{Entry: &entries[i], Rule: RuleName}
				}
			}
		}
	}

	var best *models.CatalogEntry
	for _, n := range names {
		needle := textnorm.Compact(n)
		if needle == "" {
			continue
		}
		for i := range entries {
			hay := textnorm.Compact(stripVendorPrefix(entries[i].ProductName))
			if min(len(hay), len(needle)) < minContainLen {
				continue
			}
			if !strings.Contains(hay, needle) && !strings.Contains(needle, hay) {
				continue
			}
			if best == nil || better(&entries[i], best) {
				best = &entries[i]
			}
		}
		if best != nil {
			return Match{Entry: best, Rule: RuleContains}
		}
	}

	return Match{Rule: RuleUnmatched}
}

// Enrich returns copies of items annotated with their catalog match. An
// unmatched item is flagged, not dropped.
func (c *Catalog) Enrich(orderID string, items []models.LineItem) []models.LineItem {
	out := make([]models.LineItem, len(items))
	for i, it := range items {
		m := c.Match(it)
		if m.Matched() {
			entry := *m.Entry
			it.Matched = &entry
			it.Unmatched = false
			slog.Debug("catalog match",
				"order_id", orderID,
				"item", it.Name,
				"sku", entry.SKU,
				"rule", m.Rule,
			)
		} else {
			it.Matched = nil
			it.Unmatched = true
			slog.Warn("item not found in catalog, price needs verification",
				"order_id", orderID,
				"product_line", models.LineLaticrete,
				"stage", "catalog",
				"item", it.Name,
				"sku", it.SKU,
			)
		}
		out[i] = it
	}
	return out
}

// better orders containment candidates: longest name first, then lowest SKU.
func better(a, b *models.CatalogEntry) bool {
	la, lb := len(textnorm.Compact(a.ProductName)), len(textnorm.Compact(b.ProductName))
	if la != lb {
		return la > lb
	}
	return a.SKU < b.SKU
}

// itemSKU prefers the extracted SKU and falls back to one embedded in the name.
func itemSKU(item models.LineItem) string {
	if strings.TrimSpace(item.SKU) != "" {
		return item.SKU
	}
	if m := skuSuffix.FindStringSubmatch(item.Name); m != nil {
		return m[1]
	}
	return ""
}

func normalizeSKU(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "#")
	return strings.ToUpper(strings.TrimSpace(s))
}

// nameCandidates returns the name without any SKU suffix, plus the same
// name without the vendor prefix.
func nameCandidates(name string) []string {
	base := strings.TrimSpace(skuSuffix.ReplaceAllString(name, ""))
	if base == "" {
		return nil
	}
	out := []string{base}
	if stripped := stripVendorPrefix(base); stripped != base && stripped != "" {
		out = append(out, stripped)
	}
	return out
}

func stripVendorPrefix(name string) string {
	name = strings.TrimSpace(name)
	if len(name) > len(vendorPrefix) && strings.EqualFold(name[:len(vendorPrefix)], vendorPrefix) {
		return strings.TrimSpace(name[len(vendorPrefix):])
	}
	return name
}
