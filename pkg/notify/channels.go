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
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/slack-go/slack"
	twilio "github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
	gomail "gopkg.in/gomail.v2"
)

// Channel configuration. A channel is available iff its credential set is
// complete; empty structs yield permanently unavailable channels.
type (
	NtfyConfig struct {
		URL   string // defaults to the public ntfy.sh instance
		Topic string
	}
	EmailConfig struct {
		Host string // SMTP host, optionally host:port (default port 587)
		User string
		Pass string
		To   string
	}
	TwilioConfig struct {
		SID          string
		Token        string
		FromSMS      string
		FromWhatsApp string
		To           string
	}
	SlackConfig struct {
		WebhookURL string
	}
)

// Channels assembles the full channel set. Unconfigured channels are still
// listed so the notifications endpoint can show them as unavailable.
func Channels(logger log.Logger, ntfy NtfyConfig, email EmailConfig, tw TwilioConfig, sl SlackConfig) []Channel {
	return []Channel{
		NewConsole(logger),
		NewNtfy(ntfy),
		NewEmail(email),
		NewTwilioSMS(tw),
		NewTwilioWhatsApp(tw),
		NewSlack(sl),
	}
}

// Console logs alerts through the process logger. It is always available and
// keeps alerting observable with zero configuration.
type Console struct {
	logger log.Logger
}

func NewConsole(logger log.Logger) *Console {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Console{logger: logger}
}

func (c *Console) Name() string    { return "console" }
func (c *Console) Available() bool { return true }

func (c *Console) Send(_ context.Context, msg Message) error {
	l := level.Info(c.logger)
	switch {
	case msg.Severity >= SeverityCritical:
		l = level.Error(c.logger)
	case msg.Severity >= SeverityWarning:
		l = level.Warn(c.logger)
	}
	return l.Log("msg", "alert", "subject", msg.Subject, "body", msg.Body)
}

// Ntfy pushes alerts to an ntfy topic.
type Ntfy struct {
	url    string
	topic  string
	client *http.Client
}

const DefaultNtfyURL = "https://ntfy.sh"

func NewNtfy(cfg NtfyConfig) *Ntfy {
	url := cfg.URL
	if url == "" {
		url = DefaultNtfyURL
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = 10 * time.Second
	return &Ntfy{url: strings.TrimRight(url, "/"), topic: cfg.Topic, client: client}
}

func (n *Ntfy) Name() string    { return "push" }
func (n *Ntfy) Available() bool { return n.topic != "" }

func (n *Ntfy) Send(ctx context.Context, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url+"/"+n.topic, strings.NewReader(msg.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Title", msg.Subject)
	req.Header.Set("Priority", ntfyPriority(msg.Severity))

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected response status %q", resp.Status)
	}
	return nil
}

func ntfyPriority(s Severity) string {
	switch {
	case s >= SeverityUrgent:
		return "urgent"
	case s >= SeverityCritical:
		return "high"
	case s >= SeverityWarning:
		return "default"
	default:
		return "low"
	}
}

// Email sends alerts over SMTP.
type Email struct {
	host string
	port int
	user string
	pass string
	to   string
}

func NewEmail(cfg EmailConfig) *Email {
	host, port := cfg.Host, 587
	if h, p, err := net.SplitHostPort(cfg.Host); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			host, port = h, n
		}
	}
	return &Email{host: host, port: port, user: cfg.User, pass: cfg.Pass, to: cfg.To}
}

func (e *Email) Name() string { return "email" }

func (e *Email) Available() bool {
	return e.host != "" && e.user != "" && e.pass != "" && e.to != ""
}

func (e *Email) Send(_ context.Context, msg Message) error {
	m := gomail.NewMessage()
	m.SetHeader("From", e.user)
	m.SetHeader("To", e.to)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	return gomail.NewDialer(e.host, e.port, e.user, e.pass).DialAndSend(m)
}

// Twilio delivers alerts as SMS or WhatsApp messages.
type Twilio struct {
	name   string
	client *twilio.RestClient
	from   string
	to     string
	ok     bool
}

func NewTwilioSMS(cfg TwilioConfig) *Twilio {
	return newTwilio("sms", cfg, cfg.FromSMS, cfg.To)
}

func NewTwilioWhatsApp(cfg TwilioConfig) *Twilio {
	return newTwilio("whatsapp", cfg, whatsappNumber(cfg.FromWhatsApp), whatsappNumber(cfg.To))
}

func newTwilio(name string, cfg TwilioConfig, from, to string) *Twilio {
	t := &Twilio{
		name: name,
		from: from,
		to:   to,
		ok:   cfg.SID != "" && cfg.Token != "" && from != "" && to != "",
	}
	if t.ok {
		t.client = twilio.NewRestClientWithParams(twilio.ClientParams{Username: cfg.SID, Password: cfg.Token})
	}
	return t
}

func whatsappNumber(number string) string {
	if number == "" || strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

func (t *Twilio) Name() string    { return t.name }
func (t *Twilio) Available() bool { return t.ok }

func (t *Twilio) Send(_ context.Context, msg Message) error {
	params := &twilioapi.CreateMessageParams{}
	params.SetTo(t.to)
	params.SetFrom(t.from)
	params.SetBody(msg.Subject + "\n" + msg.Body)

	_, err := t.client.Api.CreateMessage(params)
	return err
}

// Slack posts alerts to an incoming-webhook URL.
type Slack struct {
	webhookURL string
}

func NewSlack(cfg SlackConfig) *Slack {
	return &Slack{webhookURL: cfg.WebhookURL}
}

func (s *Slack) Name() string    { return "slack" }
func (s *Slack) Available() bool { return s.webhookURL != "" }

func (s *Slack) Send(ctx context.Context, msg Message) error {
	return slack.PostWebhookContext(ctx, s.webhookURL, &slack.WebhookMessage{
		Text: msg.Subject + "\n" + msg.Body,
	})
}
