package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"statusline/internal/config"
	"statusline/internal/domain"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultMaxRetries     = 2
	maxElapsed            = 30 * time.Second
)

// Webhook posts transitions as JSON to one configured URL.
type Webhook struct {
	Hook    config.WebhookConfig
	Client  *http.Client
	Logger  *slog.Logger
	backoff func() backoff.BackOff
}

type webhookBody struct {
	Type     string             `json:"type"`
	Delivery string             `json:"delivery"`
	Event    domain.StatusEvent `json:"event"`
}

// NewWebhooks builds a Multi over the enabled hooks of a config.
func NewWebhooks(cfg *config.Config, log *slog.Logger) Notifier {
	if cfg == nil {
		return Nop{}
	}
	var m Multi
	for _, h := range cfg.Webhooks {
		if !h.IsEnabled() || strings.TrimSpace(h.URL) == "" {
			continue
		}
		m = append(m, &Webhook{Hook: h, Logger: log})
	}
	if len(m) == 0 {
		return Nop{}
	}
	return m
}

func (w *Webhook) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *Webhook) newBackOff() backoff.BackOff {
	if w.backoff != nil {
		return w.backoff()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = maxElapsed
	return bo
}

func (w *Webhook) Notify(ctx context.Context, evt domain.StatusEvent) error {
	filter := newEventFilter(w.Hook.Events)
	if !filter.match(EventTypes(evt)) {
		return nil
	}
	body := webhookBody{Type: TypeTransition, Delivery: uuid.NewString(), Event: evt}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	retries := w.Hook.MaxRetries
	if retries == 0 {
		retries = defaultMaxRetries
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(w.newBackOff(), uint64(retries)), ctx)
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		err := w.post(ctx, body, data)
		if err != nil {
			w.logger().Debug("webhook attempt failed", "url", w.Hook.URL, "attempt", attempt, "error", err)
		}
		return err
	}, bo)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.Hook.URL, err)
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, body webhookBody, data []byte) error {
	timeout := defaultWebhookTimeout
	if w.Hook.TimeoutSeconds > 0 {
		timeout = time.Duration(w.Hook.TimeoutSeconds) * time.Second
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.Hook.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Statusline-Event", body.Type)
	req.Header.Set("X-Statusline-Delivery", body.Delivery)
	req.Header.Set("X-Statusline-Feature", body.Event.FeatureSlug)
	if strings.TrimSpace(w.Hook.Secret) != "" {
		req.Header.Set("X-Statusline-Secret", w.Hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err = fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "*" {
			return eventFilter{all: true}
		}
		if key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(types []string) bool {
	if f.all {
		return true
	}
	for _, t := range types {
		if _, ok := f.set[t]; ok {
			return true
		}
	}
	return false
}
