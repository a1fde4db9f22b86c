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

package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNtfySend(t *testing.T) {
	var (
		gotPath     string
		gotTitle    string
		gotPriority string
		gotBody     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTitle = r.Header.Get("Title")
		gotPriority = r.Header.Get("Priority")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
	}))
	defer srv.Close()

	n := NewNtfy(NtfyConfig{URL: srv.URL, Topic: "greenhouse-alerts"})
	if !n.Available() {
		t.Fatalf("expected ntfy with topic to be available")
	}
	err := n.Send(context.Background(), Message{
		Subject:  "🔴 CRITICAL: Temperature too high",
		Body:     "Reason: Temperature too high",
		Severity: SeverityCritical,
	})
	if err != nil {
		t.Fatalf("send: %s", err)
	}
	if gotPath != "/greenhouse-alerts" {
		t.Errorf("path = %q, want /greenhouse-alerts", gotPath)
	}
	if !strings.Contains(gotTitle, "CRITICAL") {
		t.Errorf("title = %q, want it to carry the subject", gotTitle)
	}
	if gotPriority != "high" {
		t.Errorf("priority = %q, want high", gotPriority)
	}
	if gotBody != "Reason: Temperature too high" {
		t.Errorf("body = %q", gotBody)
	}
}

func TestNtfyUnavailableWithoutTopic(t *testing.T) {
	if NewNtfy(NtfyConfig{}).Available() {
		t.Errorf("expected ntfy without topic to be unavailable")
	}
}

func TestNtfyPriorities(t *testing.T) {
	cases := map[Severity]string{
		SeverityInfo:       "low",
		SeverityPreventive: "low",
		SeverityWarning:    "default",
		SeverityCritical:   "high",
		SeverityUrgent:     "urgent",
		SeverityEmergency:  "urgent",
	}
	for sev, want := range cases {
		if got := ntfyPriority(sev); got != want {
			t.Errorf("%s: priority = %q, want %q", sev, got, want)
		}
	}
}

func TestSlackSend(t *testing.T) {
	var payload struct {
		Text string `json:"text"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := NewSlack(SlackConfig{WebhookURL: srv.URL})
	if !s.Available() {
		t.Fatalf("expected slack with webhook to be available")
	}
	err := s.Send(context.Background(), Message{Subject: "⚠️ WARNING: EC drifting", Body: "Reason: EC drifting"})
	if err != nil {
		t.Fatalf("send: %s", err)
	}
	if !strings.Contains(payload.Text, "EC drifting") {
		t.Errorf("payload text = %q, want alert text", payload.Text)
	}
}

func TestChannelAvailability(t *testing.T) {
	cases := []struct {
		doc  string
		ch   Channel
		want bool
	}{
		{"console always available", NewConsole(nil), true},
		{"email with full credentials", NewEmail(EmailConfig{Host: "smtp.example.com:465", User: "u", Pass: "p", To: "farm@example.com"}), true},
		{"email missing password", NewEmail(EmailConfig{Host: "smtp.example.com", User: "u", To: "farm@example.com"}), false},
		{"sms with full credentials", NewTwilioSMS(TwilioConfig{SID: "AC1", Token: "t", FromSMS: "+1555", To: "+30123"}), true},
		{"sms missing from number", NewTwilioSMS(TwilioConfig{SID: "AC1", Token: "t", To: "+30123"}), false},
		{"whatsapp with full credentials", NewTwilioWhatsApp(TwilioConfig{SID: "AC1", Token: "t", FromWhatsApp: "+1555", To: "+30123"}), true},
		{"whatsapp missing sid", NewTwilioWhatsApp(TwilioConfig{Token: "t", FromWhatsApp: "+1555", To: "+30123"}), false},
		{"slack without webhook", NewSlack(SlackConfig{}), false},
	}
	for _, c := range cases {
		if got := c.ch.Available(); got != c.want {
			t.Errorf("%s: available = %v, want %v", c.doc, got, c.want)
		}
	}
}

func TestWhatsAppNumberPrefix(t *testing.T) {
	if got := whatsappNumber("+30123"); got != "whatsapp:+30123" {
		t.Errorf("whatsappNumber(+30123) = %q", got)
	}
	if got := whatsappNumber("whatsapp:+30123"); got != "whatsapp:+30123" {
		t.Errorf("prefixed number must pass through, got %q", got)
	}
	if got := whatsappNumber(""); got != "" {
		t.Errorf("empty number must stay empty, got %q", got)
	}
}

func TestEmailHostPortParsing(t *testing.T) {
	e := NewEmail(EmailConfig{Host: "smtp.example.com:465", User: "u", Pass: "p", To: "t@example.com"})
	if e.host != "smtp.example.com" || e.port != 465 {
		t.Errorf("host/port = %q/%d, want smtp.example.com/465", e.host, e.port)
	}
	e = NewEmail(EmailConfig{Host: "smtp.example.com", User: "u", Pass: "p", To: "t@example.com"})
	if e.host != "smtp.example.com" || e.port != 587 {
		t.Errorf("host/port = %q/%d, want smtp.example.com/587", e.host, e.port)
	}
}
