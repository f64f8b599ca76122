package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const webhookQueueSize = 64

// WebhookSink posts alerts as JSON to a chat webhook from a background
// worker. Alerts are dropped when the queue is full.
type WebhookSink struct {
	url     string
	client  *http.Client
	logger  *zap.Logger
	minimum Severity

	queue chan Alert
	once  sync.Once
	wg    sync.WaitGroup
}

// NewWebhookSink starts the delivery worker. Alerts below minimum are not
// posted.
func NewWebhookSink(url string, minimum Severity, timeout time.Duration, logger *zap.Logger) *WebhookSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &WebhookSink{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("webhook"),
		minimum: minimum,
		queue:   make(chan Alert, webhookQueueSize),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *WebhookSink) Send(_ context.Context, a Alert) {
	if rank(a.Severity) < rank(s.minimum) {
		return
	}
	select {
	case s.queue <- a:
	default:
		s.logger.Warn("alert queue full, dropping alert", zap.String("alert_id", a.ID))
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered.
func (s *WebhookSink) Close() {
	s.once.Do(func() { close(s.queue) })
	s.wg.Wait()
}

func (s *WebhookSink) run() {
	defer s.wg.Done()
	for a := range s.queue {
		if err := s.post(a); err != nil {
			s.logger.Warn("deliver alert failed", zap.String("alert_id", a.ID), zap.Error(err))
		}
	}
}

func (s *WebhookSink) post(a Alert) error {
	payload, err := json.Marshal(map[string]interface{}{
		"content": formatContent(a),
		"alert":   a,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

func formatContent(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", strings.ToUpper(string(a.Severity)), a.Source, a.Message)
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, a.Fields[k])
	}
	return b.String()
}

func rank(s Severity) int {
	switch s {
	case SeverityFatal:
		return 3
	case SeverityError:
		return 2
	case SeverityWarn:
		return 1
	default:
		return 0
	}
}
