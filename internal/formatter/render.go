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
	"fmt"
	"html/template"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// RenderConfig configures the headless Chrome fill technique.
type RenderConfig struct {
	// RemoteURL is the DevTools websocket of a running Chrome. Empty launches
	// a local browser.
	RemoteURL string
	NoSandbox bool
	Timeout   time.Duration
}

// RenderFiller prints the order form as HTML to PDF with headless Chrome.
// It ignores the template and is meant as the last technique in a chain.
type RenderFiller struct {
	timeout     time.Duration
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

var _ Filler = (*RenderFiller)(nil)

// NewRenderFiller prepares the browser allocator. The browser itself starts
// on first use.
func NewRenderFiller(cfg RenderConfig) *RenderFiller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	r := &RenderFiller{timeout: cfg.Timeout}

	if cfg.RemoteURL != "" {
		r.allocCtx, r.allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
		return r
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.Flag("no-sandbox", true))
	}
	r.allocCtx, r.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return r
}

func (*RenderFiller) Name() string { return "render" }

// Close shuts down the browser allocator.
func (r *RenderFiller) Close() {
	r.allocCancel()
}

func (r *RenderFiller) Fill(ctx context.Context, _ []byte, data FormData) ([]byte, error) {
	var html bytes.Buffer
	if err := orderFormHTML.Execute(&html, data); err != nil {
		return nil, fmt.Errorf("render order form html: %w", err)
	}

	browserCtx, browserCancel := chromedp.NewContext(r.allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			slog.Debug(fmt.Sprintf(format, args...), "technique", "render")
		}),
	)
	defer browserCancel()

	runCtx, cancel := context.WithTimeout(browserCtx, r.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var pdf []byte
	err := chromedp.Run(runCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html.String()).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			out, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.5).
				WithPaperHeight(11).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = out
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print order form: %w", err)
	}
	return pdf, nil
}

var orderFormHTML = template.Must(template.New("form").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
body { font-family: Helvetica, Arial, sans-serif; font-size: 10pt; margin: 0.5in; }
h1 { font-size: 16pt; }
table { border-collapse: collapse; width: 100%; }
td, th { border: 1px solid #000; padding: 4px; text-align: left; }
.blocks td { border: none; vertical-align: top; width: 50%; }
</style>
</head>
<body>
<h1>LATICRETE Order Form</h1>
<p>Date: {{.Date}} &nbsp; Order: {{.OrderID}}</p>
<table class="blocks"><tr>
<td><strong>Sold To</strong><br>{{.ContactName}}<br>{{.ShipStreet}}<br>{{.ShipCityLine}}<br>{{.Phone}}</td>
<td><strong>Ship To</strong><br>{{.ShipName}}<br>{{.ShipStreet}}<br>{{.ShipCityLine}}</td>
</tr></table>
<br>
<table>
<tr><th>Quantity Ordered</th><th>Description</th><th>Item Number</th><th>Unit Price</th><th>Amount</th></tr>
{{range .Rows}}<tr><td>{{.Quantity}}</td><td>{{.Description}}</td><td>{{.ItemNumber}}</td><td>{{.UnitPrice}}</td><td>{{.Amount}}</td></tr>
{{end}}</table>
<p>{{range .Instructions}}{{.}}<br>{{end}}{{range .Notes}}{{.}}<br>{{end}}</p>
</body>
</html>
`))
