// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hvac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"
)

// DefaultBaseURL is the vendor cloud fronting the unit.
const DefaultBaseURL = "https://api-iot.he.services"

// Config carries the vendor account credentials.
type Config struct {
	BaseURL  string
	Email    string
	Password string
}

// Configured reports whether credentials are present.
func (c Config) Configured() bool {
	return c.Email != "" && c.Password != ""
}

// Command is one mode request sent to the unit.
type Command struct {
	Mode       string   `json:"mode"`
	TargetTemp *float64 `json:"target_temp,omitempty"`
}

// Status is the unit state as reported by the vendor.
type Status struct {
	Power      bool     `json:"power"`
	Mode       string   `json:"mode"`
	TargetTemp *float64 `json:"target_temp"`
}

// Client talks to the vendor cloud. Tokens come from a password login and are
// reused until they expire.
type Client struct {
	base   string
	client *http.Client
	tokens oauth2.TokenSource
}

// NewClient builds a vendor client for the given account.
func NewClient(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cleanhttp.DefaultPooledClient()
	src := &passwordTokenSource{base: base, client: hc, email: cfg.Email, password: cfg.Password}
	return &Client{base: base, client: hc, tokens: oauth2.ReuseTokenSource(nil, src)}
}

// Command sends one mode change.
func (c *Client) Command(ctx context.Context, cmd Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/appliance/command", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send command: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("send command: %s", responseError(resp))
	}
	return nil
}

// Status fetches the unit state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/appliance/status", nil)
	if err != nil {
		return Status{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return Status{}, fmt.Errorf("fetch status: %s", responseError(resp))
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("vendor login: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	tok.SetAuthHeader(req)
	return req, nil
}

func responseError(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if msg := strings.TrimSpace(string(b)); msg != "" {
		return fmt.Sprintf("%s: %s", resp.Status, msg)
	}
	return resp.Status
}

// passwordTokenSource logs in with the account password and yields a bearer
// token. ReuseTokenSource wraps it so the login only runs on expiry.
type passwordTokenSource struct {
	base     string
	client   *http.Client
	email    string
	password string
}

func (s *passwordTokenSource) Token() (*oauth2.Token, error) {
	body, err := json.Marshal(map[string]string{"email": s.email, "password": s.password})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, s.base+"/auth/v1/login", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("login rejected: %s", responseError(resp))
	}
	var payload struct {
		AccessToken string  `json:"access_token"`
		TokenType   string  `json:"token_type"`
		ExpiresIn   float64 `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("login response carried no token")
	}
	tok := &oauth2.Token{AccessToken: payload.AccessToken, TokenType: payload.TokenType}
	if payload.ExpiresIn > 0 {
		// Renew slightly early so in-flight requests never carry a token
		// that expires mid-call.
		tok.Expiry = time.Now().Add(time.Duration(payload.ExpiresIn)*time.Second - 30*time.Second)
	}
	return tok, nil
}
