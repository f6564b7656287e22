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
	"errors"
	"fmt"
	"log/slog"
)

// Filler is one technique for producing the filled order form.
type Filler interface {
	Name() string
	Fill(ctx context.Context, template []byte, data FormData) ([]byte, error)
}

// DocumentGenerationError reports that no fill technique produced a form.
type DocumentGenerationError struct {
	OrderID string
	Err     error
}

func (e *DocumentGenerationError) Error() string {
	return fmt.Sprintf("generate order form for %s: %v", e.OrderID, e.Err)
}

func (e *DocumentGenerationError) Unwrap() error { return e.Err }

var errNoFillers = errors.New("no fill techniques configured")

// Chain tries each Filler in order and returns the first valid document.
type Chain []Filler

// DefaultChain is structured field population followed by positional
// overlay.
func DefaultChain() Chain {
	return Chain{NewFieldFiller(), NewOverlayFiller()}
}

// Fill runs the chain. It returns the document and the name of the technique
// that produced it, or the last technique's error.
func (c Chain) Fill(ctx context.Context, template []byte, data FormData) ([]byte, string, error) {
	lastErr := errNoFillers
	for _, f := range c {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		out, err := f.Fill(ctx, template, data)
		if err == nil {
			err = checkPDF(out)
		}
		if err != nil {
			slog.Warn("fill technique failed",
				"order_id", data.OrderID,
				"stage", "format",
				"technique", f.Name(),
				"error", err,
			)
			lastErr = fmt.Errorf("%s: %w", f.Name(), err)
			continue
		}
		return out, f.Name(), nil
	}
	return nil, "", lastErr
}

var pdfMagic = []byte("%PDF-")

func checkPDF(b []byte) error {
	if len(b) == 0 {
		return errors.New("empty document")
	}
	if !bytes.HasPrefix(b, pdfMagic) {
		return errors.New("output is not a PDF")
	}
	return nil
}
