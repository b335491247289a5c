package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"ballotline/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookPublisher posts each invalidation to the configured hooks whose
// channel filter matches. Any failing hook fails the publish, so the relay
// retries the row; receivers dedupe on X-Ballotline-Mutation.
type WebhookPublisher struct {
	hooks  []webhook
	client *http.Client
	logger *zap.Logger
}

type webhook struct {
	cfg     config.WebhookConfig
	filter  channelFilter
	timeout time.Duration
}

func NewWebhookPublisher(hooks []config.WebhookConfig, logger *zap.Logger) *WebhookPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &WebhookPublisher{client: &http.Client{Timeout: defaultWebhookTimeout}, logger: logger}
	for _, h := range hooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		if strings.TrimSpace(h.URL) == "" {
			continue
		}
		timeout := defaultWebhookTimeout
		if h.TimeoutSeconds > 0 {
			timeout = time.Duration(h.TimeoutSeconds) * time.Second
		}
		p.hooks = append(p.hooks, webhook{cfg: h, filter: newChannelFilter(h.Channels), timeout: timeout})
	}
	return p
}

// Len is the number of active hooks.
func (p *WebhookPublisher) Len() int { return len(p.hooks) }

func (p *WebhookPublisher) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, h := range p.hooks {
		if !h.filter.match(msg.Channel) {
			continue
		}
		if err := p.post(ctx, h, msg); err != nil {
			p.logger.Warn("webhook delivery failed",
				zap.String("url", h.cfg.URL), zap.String("channel", msg.Channel), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", h.cfg.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (p *WebhookPublisher) post(ctx context.Context, h webhook, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ballotline-Event", msg.EventType)
	req.Header.Set("X-Ballotline-Channel", msg.Channel)
	req.Header.Set("X-Ballotline-Mutation", msg.MutationID)
	if strings.TrimSpace(h.cfg.Secret) != "" {
		req.Header.Set("X-Ballotline-Secret", h.cfg.Secret)
	}
	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type channelFilter struct {
	all      bool
	exact    map[string]struct{}
	prefixes []string
}

func newChannelFilter(channels []string) channelFilter {
	f := channelFilter{exact: map[string]struct{}{}}
	for _, c := range channels {
		c = strings.TrimSpace(c)
		switch {
		case c == "":
		case c == "*":
			return channelFilter{all: true}
		case strings.HasSuffix(c, "*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(c, "*"))
		default:
			f.exact[c] = struct{}{}
		}
	}
	if len(f.exact) == 0 && len(f.prefixes) == 0 {
		return channelFilter{all: true}
	}
	return f
}

func (f channelFilter) match(channel string) bool {
	if f.all {
		return true
	}
	if _, ok := f.exact[channel]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(channel, p) {
			return true
		}
	}
	return false
}

// Fanout publishes to every publisher and reports the joined failures.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
