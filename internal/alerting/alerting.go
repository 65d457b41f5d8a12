// Package alerting posts structured health signals (spec.md §4.D
// "auth-needed" and "quota exceeded", §4.G "ratchet tripped") to a
// configured Slack webhook. It is wired in as the concrete implementation
// of pkg/llm.AlertSink and an equivalent publisher-side sink, never
// required: when no webhook URL is configured the sink is a no-op.
package alerting

import (
	"fmt"

	"github.com/slack-go/slack"
	"github.com/sirupsen/logrus"
)

// Sink posts health signals to Slack. The zero value (no webhook URL) is a
// safe no-op sink.
type Sink struct {
	webhookURL string
	log        logrus.FieldLogger
}

// New builds a Sink. webhookURL empty means every call is a no-op, which
// lets callers construct a Sink unconditionally from config without a
// branch at every call site.
func New(webhookURL string, log logrus.FieldLogger) *Sink {
	if log == nil {
		log = logrus.New()
	}
	return &Sink{webhookURL: webhookURL, log: log}
}

// AuthNeeded posts spec.md §4.D's "auth-needed" health signal for a
// scraper's provider.
func (s *Sink) AuthNeeded(scraperID, detail string) {
	s.post(fmt.Sprintf(":warning: provider authentication required for scraper `%s`: %s", scraperID, detail))
}

// QuotaExceeded posts spec.md §4.D's quota-exceeded health signal.
func (s *Sink) QuotaExceeded(scraperID, detail string) {
	s.post(fmt.Sprintf(":hourglass: provider quota exceeded for scraper `%s`: %s", scraperID, detail))
}

// RatchetTripped posts spec.md §4.G's publisher ratchet-tripped signal.
func (s *Sink) RatchetTripped(detail string) {
	s.post(fmt.Sprintf(":rotating_light: publisher ratchet tripped: %s", detail))
}

func (s *Sink) post(text string) {
	if s.webhookURL == "" {
		return
	}
	msg := &slack.WebhookMessage{Text: text}
	if err := slack.PostWebhook(s.webhookURL, msg); err != nil {
		s.log.WithError(err).Warn("failed to post slack alert")
	}
}
