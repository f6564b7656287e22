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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

var disableConfigDir sync.Once

// pdfConfiguration returns a fresh pdfcpu configuration that never touches
// the user config directory.
func pdfConfiguration() *model.Configuration {
	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// FieldFiller populates the template's named AcroForm fields.
type FieldFiller struct{}

var _ Filler = (*FieldFiller)(nil)

func NewFieldFiller() *FieldFiller { return &FieldFiller{} }

func (*FieldFiller) Name() string { return "fields" }

type formGroup struct {
	Forms []form `json:"forms"`
}

type form struct {
	TextFields []textField `json:"textfield"`
}

type textField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (*FieldFiller) Fill(ctx context.Context, template []byte, data FormData) ([]byte, error) {
	fields := data.Fields()
	names := make([]string, 0, len(fields))
	for name, value := range fields {
		if value != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var f form
	for _, name := range names {
		f.TextFields = append(f.TextFields, textField{Name: name, Value: fields[name]})
	}
	payload, err := json.Marshal(formGroup{Forms: []form{f}})
	if err != nil {
		return nil, fmt.Errorf("marshal form data: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if err := api.FillForm(bytes.NewReader(template), bytes.NewReader(payload), &out, pdfConfiguration()); err != nil {
		return nil, fmt.Errorf("fill form fields: %w", err)
	}
	return out.Bytes(), nil
}

// Stamp is one piece of text placed at a fixed position on the first page,
// in points from the bottom-left corner.
type Stamp struct {
	X, Y   float64
	Points int
	Text   string
}

const (
	headerPoints = 10
	rowPoints    = 9
	rowTop       = 425.0
	rowStep      = 26.5
	maxDescRunes = 45
)

// OverlayStamps lays the form data out at the template's fixed coordinates.
func OverlayStamps(d FormData) []Stamp {
	stamps := []Stamp{
		{X: 520, Y: 645, Text: d.Date},
		{X: 180, Y: 625, Text: d.OrderID},
		// Sold-to block.
		{X: 140, Y: 585, Text: d.ContactName},
		{X: 100, Y: 565, Text: d.ShipName},
		{X: 100, Y: 550, Text: d.ShipStreet},
		{X: 100, Y: 535, Text: d.ShipCityLine},
		{X: 150, Y: 510, Text: d.Phone},
		// Ship-to block.
		{X: 365, Y: 585, Text: d.ShipName},
		{X: 365, Y: 565, Text: d.ShipStreet},
		{X: 365, Y: 550, Text: d.ShipCityLine},
		{X: 450, Y: 510, Text: d.ContactName},
		{X: 470, Y: 495, Text: d.Phone},
	}
	for i := range stamps {
		stamps[i].Points = headerPoints
	}

	for i, row := range d.Rows {
		y := rowTop - float64(i)*rowStep
		desc := truncateRunes(strings.TrimSuffix(row.Description, " *"), maxDescRunes)
		if row.NeedsPrice {
			desc += " *"
		}
		stamps = append(stamps,
			Stamp{X: 65, Y: y, Points: rowPoints, Text: row.Quantity},
			Stamp{X: 170, Y: y, Points: rowPoints, Text: desc},
			Stamp{X: 450, Y: y, Points: rowPoints, Text: row.ItemNumber},
			Stamp{X: 520, Y: y, Points: rowPoints, Text: row.UnitPrice},
		)
	}

	notes := append(d.Instructions(), d.Notes...)
	for i, note := range notes {
		stamps = append(stamps, Stamp{X: 100, Y: 90 - float64(i)*15, Points: headerPoints, Text: note})
	}

	out := stamps[:0]
	for _, s := range stamps {
		if strings.TrimSpace(s.Text) != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// OverlayFiller writes text onto the template at fixed coordinates. It works
// on templates without form fields.
type OverlayFiller struct{}

var _ Filler = (*OverlayFiller)(nil)

func NewOverlayFiller() *OverlayFiller { return &OverlayFiller{} }

func (*OverlayFiller) Name() string { return "overlay" }

func (*OverlayFiller) Fill(ctx context.Context, template []byte, data FormData) ([]byte, error) {
	doc := template
	for _, s := range OverlayStamps(data) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		desc := fmt.Sprintf("fontname:Helvetica, points:%d, position:bl, offset:%.1f %.1f, scalefactor:1 abs, rotation:0, fillcolor:#000000, opacity:1",
			s.Points, s.X, s.Y)
		wm, err := api.TextWatermark(s.Text, desc, true, false, types.POINTS)
		if err != nil {
			return nil, fmt.Errorf("stamp %q: %w", s.Text, err)
		}
		var out bytes.Buffer
		if err := api.AddWatermarks(bytes.NewReader(doc), &out, []string{"1"}, wm, pdfConfiguration()); err != nil {
			return nil, fmt.Errorf("stamp %q at (%.0f,%.0f): %w", s.Text, s.X, s.Y, err)
		}
		doc = out.Bytes()
	}
	return doc, nil
}
