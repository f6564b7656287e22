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

package textnorm

import "testing"

func TestHTMLToText(t *testing.T) {
	in := `<html><head><style>p { color: red; }</style></head><body>
<p>You've received the following order from Jane:</p>
<table><tr><td>TileWare Tee Hook</td><td>x3</td></tr>
<tr><td>Total</td><td>$130.20</td></tr></table>
<script>alert("x")</script>
<p>Ship&nbsp;to: 123 Main&amp;Co</p></body></html>`

	got := HTMLToText(in)
	want := "You've received the following order from Jane:\n\nTileWare Tee Hook x3\n\nTotal $130.20\n\nShip to: 123 Main&Co"
	if got != want {
		t.Errorf("HTMLToText() =\n%q\nwant\n%q", got, want)
	}
}

func TestCompact(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Tile Ware", "tileware"},
		{"TILEWARE", "tileware"},
		{"Lati-crete 254 Platinum!", "laticrete254platinum"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Compact(tt.in); got != tt.want {
				t.Errorf("Compact(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEqualFold(t *testing.T) {
	if !EqualFold("  Hydro Ban  ", "HYDRO BAN") {
		t.Error("expected case-insensitive equality after trimming")
	}
	if EqualFold("Hydro Ban", "HydroBan") {
		t.Error("EqualFold must not ignore inner whitespace")
	}
}
