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

// Package mailbox reads vendor notifications from the order inbox and files
// copies of outbound mail in the sender's own mailbox. Sources never change
// read state; deduplication is the ledger's job.
package mailbox

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/tpd/orderrelay/internal/models"
)

// Source lists candidate messages received at or after since.
type Source interface {
	Fetch(ctx context.Context, since time.Time) ([]models.IncomingMessage, error)
}

// GraphCredentials identify an Entra ID application with Mail.Read and
// Mail.Send application permissions.
type GraphCredentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// NewGraphClient returns an HTTP client that attaches app-only Graph tokens.
func NewGraphClient(ctx context.Context, creds GraphCredentials) (*http.Client, error) {
	if creds.TenantID == "" || creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, fmt.Errorf("graph credentials: tenant_id, client_id and client_secret are required")
	}
	cc := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", creds.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return cc.Client(ctx), nil
}
