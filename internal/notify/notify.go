// Package notify delivers hot opportunities to an outward webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/studioforge/marketpulse/internal/model"
	"github.com/studioforge/marketpulse/internal/retry"
)

// Payload is the webhook body. EvidenceLink is the first evidence URL so the
// receiving side has one clickable example per opportunity.
type Payload struct {
	OwnerID       string        `json:"owner_id"`
	OwnerEmail    string        `json:"owner_email,omitempty"`
	Subject       string        `json:"subject"`
	Opportunities []Opportunity `json:"opportunities"`
}

// Opportunity is the outward projection of one published opportunity.
type Opportunity struct {
	Topic        string  `json:"topic"`
	Score        float64 `json:"score"`
	EvidenceLink string  `json:"evidence_link,omitempty"`
}

// Webhook posts hot opportunities to a configured URL. Deliveries are rate
// limited so a burst of runs cannot flood the receiver, and transient
// failures are retried with backoff.
type Webhook struct {
	url        string
	ownerEmail string
	client     *http.Client
	limiter    *rate.Limiter
	retry      retry.Config
}

// SetOwnerEmail attaches a contact address to every payload.
func (w *Webhook) SetOwnerEmail(email string) { w.ownerEmail = email }

// NewWebhook builds a webhook notifier. perSecond bounds delivery rate; zero
// or negative means one per second.
func NewWebhook(url string, perSecond float64) *Webhook {
	limit := rate.Limit(1)
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Webhook{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// NotifyHot posts the hot opportunities for one owner.
func (w *Webhook) NotifyHot(ctx context.Context, ownerID string, opportunities []model.Opportunity) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "notify: rate limit wait")
	}

	out := Payload{
		OwnerID:    ownerID,
		OwnerEmail: w.ownerEmail,
		Subject:    fmt.Sprintf("%d hot opportunities", len(opportunities)),
	}
	for _, o := range opportunities {
		p := Opportunity{Topic: o.TopicLabel, Score: o.WVS}
		if len(o.EvidenceURLs) > 0 {
			p.EvidenceLink = o.EvidenceURLs[0]
		}
		out.Opportunities = append(out.Opportunities, p)
	}

	body, err := json.Marshal(out)
	if err != nil {
		return eris.Wrap(err, "notify: marshal payload")
	}

	return retry.Do(ctx, w.retry, "webhook delivery", func(ctx context.Context) error {
		return w.post(ctx, body)
	})
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "notify: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
		if retry.TransientStatus(resp.StatusCode) {
			return retry.Mark(err, resp.StatusCode)
		}
		return err
	}
	return nil
}

// Noop satisfies the notifier contract when no webhook is configured.
type Noop struct{}

func (Noop) NotifyHot(context.Context, string, []model.Opportunity) error { return nil }
