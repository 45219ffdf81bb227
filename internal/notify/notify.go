// Package notify delivers dispatchline activity to outbound webhooks: posted
// touchpoints as they happen, and the audit log through a cursor-driven
// forwarder.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"dispatchline/internal/config"
	"dispatchline/internal/domain"
	"dispatchline/internal/escalation"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultMaxElapsed = 30 * time.Second
)

// Delivery headers.
const (
	HeaderEvent     = "X-Dispatchline-Event"
	HeaderDelivery  = "X-Dispatchline-Delivery"
	HeaderSignature = "X-Dispatchline-Signature"
)

// EventTouchpoint is the event name touchpoint deliveries carry. Webhook
// event filters match it or the touchpoint type.
const EventTouchpoint = "touchpoint.posted"

// Sign returns "sha256=<hex>" of the HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Webhooks posts touchpoints to every enabled webhook whose filter admits
// them. It implements escalation.Notifier.
type Webhooks struct {
	hooks      []config.WebhookConfig
	client     *http.Client
	logger     *slog.Logger
	maxElapsed time.Duration
}

var _ escalation.Notifier = (*Webhooks)(nil)

type Option func(*Webhooks)

func WithHTTPClient(c *http.Client) Option {
	return func(w *Webhooks) { w.client = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Webhooks) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMaxElapsed bounds how long one delivery keeps retrying.
func WithMaxElapsed(d time.Duration) Option {
	return func(w *Webhooks) { w.maxElapsed = d }
}

func New(cfg config.NotifyConfig, opts ...Option) *Webhooks {
	w := &Webhooks{
		hooks:      cfg.Webhooks,
		client:     &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
		maxElapsed: defaultMaxElapsed,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type touchpointMessage struct {
	Event      string                `json:"event"`
	Touchpoint escalation.Touchpoint `json:"touchpoint"`
	TimeoutMs  int64                 `json:"timeoutMs"`
	Issue      domain.Issue          `json:"issue"`
}

// Notify delivers t to each matching webhook. Every hook is attempted; the
// returned error joins the failures.
func (w *Webhooks) Notify(ctx context.Context, t escalation.Touchpoint, issue domain.Issue) error {
	data, err := json.Marshal(touchpointMessage{Event: EventTouchpoint, Touchpoint: t, TimeoutMs: t.TimeoutMs(), Issue: issue})
	if err != nil {
		return err
	}
	var errs []error
	for _, hook := range w.hooks {
		if !hookEnabled(hook) {
			continue
		}
		f := newEventFilter(hook.Events)
		if !f.match(EventTouchpoint) && !f.match(string(t.Type)) {
			continue
		}
		if err := w.deliver(ctx, hook, EventTouchpoint, t.ID, data); err != nil {
			w.logger.Warn("touchpoint delivery failed", "url", hook.URL, "touchpoint", t.ID, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

// deliver posts data, retrying transport errors and 5xx/429 responses with
// exponential backoff. Other 4xx responses fail at once.
func (w *Webhooks) deliver(ctx context.Context, hook config.WebhookConfig, event, deliveryID string, data []byte) error {
	client := w.client
	if hook.TimeoutSeconds > 0 {
		c := *w.client
		c.Timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		client = &c
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = w.maxElapsed

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEvent, event)
		req.Header.Set(HeaderDelivery, deliveryID)
		if strings.TrimSpace(hook.Secret) != "" {
			req.Header.Set(HeaderSignature, Sign(hook.Secret, data))
		}
		res, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer res.Body.Close()
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err = fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			w.logger.Debug("webhook delivery retry", "url", hook.URL, "attempt", attempt, "err", err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

func hookEnabled(hook config.WebhookConfig) bool {
	if hook.Enabled != nil && !*hook.Enabled {
		return false
	}
	return strings.TrimSpace(hook.URL) != ""
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
