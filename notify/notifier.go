// Package notify forwards audit records that need a human, such as
// break-glass grants and account lockouts, to operator channels.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/smtp"
	"sort"
	"strings"
	"sync"
	"time"

	"medgate/audit"
	"medgate/config"
	"medgate/core"
	"medgate/metrics"
	"medgate/util/goroutine"

	"go.uber.org/zap"
)

const (
	// ChannelWebhook posts the record as JSON
	ChannelWebhook = "webhook"
	// ChannelSlack posts a Slack incoming-webhook message
	ChannelSlack = "slack"
	// ChannelEmail sends an HTML mail
	ChannelEmail = "email"
)

const userAgent = "medgate-notifier/1.0"

// channel is one configured destination with its own breaker, so a dead
// mail relay does not slow down the webhook
type channel struct {
	cfg     config.NotifyChannelConfig
	breaker *core.CircuitBreaker
}

func (c *channel) key() string {
	if c.cfg.Type == ChannelEmail {
		return c.cfg.Type + ":" + c.cfg.SMTPHost
	}
	return c.cfg.Type + ":" + c.cfg.URL
}

// Notifier is an audit.Emitter that queues matching records and delivers
// them from one background goroutine. Emit never blocks; a full queue
// drops the notification, never the audit record itself.
type Notifier struct {
	channels []*channel
	events   map[audit.EventType]bool
	timeout  time.Duration
	client   *http.Client
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger   *zap.SugaredLogger

	queue  chan audit.Record
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New builds a notifier from cfg. Call Start to begin delivery.
func New(cfg config.NotifyConfig, logger *zap.SugaredLogger) (*Notifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	n := &Notifier{
		events:  make(map[audit.EventType]bool, len(cfg.Events)),
		timeout: cfg.Timeout,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		sendMail: smtp.SendMail,
		logger:   logger,
		queue:    make(chan audit.Record, cfg.QueueSize),
	}
	for _, e := range cfg.Events {
		n.events[audit.EventType(strings.ToUpper(e))] = true
	}
	for _, chCfg := range cfg.Channels {
		ch := &channel{cfg: chCfg}
		bcfg := core.BreakerConfig{
			Name:        "notify-" + ch.key(),
			MaxFailures: 3,
			CoolDown:    time.Minute,
			MaxProbes:   1,
			OnStateChange: func(name string, from, to core.BreakerState) {
				logger.Warnw("Notification channel circuit breaker state changed", "breaker", name, "from", from, "to", to)
			},
		}
		breaker, err := core.NewCircuitBreaker(bcfg)
		if err != nil {
			return nil, err
		}
		ch.breaker = breaker
		n.channels = append(n.channels, ch)
	}
	return n, nil
}

// Wants reports whether rec is forwarded. Records flagged for review
// always are.
func (n *Notifier) Wants(rec audit.Record) bool {
	return rec.ReviewRequired || n.events[rec.EventType]
}

// Emit implements audit.Emitter
func (n *Notifier) Emit(rec audit.Record) {
	if !n.Wants(rec) {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		metrics.NotificationsDropped.Inc()
		return
	}
	select {
	case n.queue <- rec:
	default:
		metrics.NotificationsDropped.Inc()
		n.logger.Warnw("Review notification dropped, queue full",
			"id", rec.ID, "event_type", rec.EventType, "actor", rec.Actor)
	}
}

// Start launches the delivery goroutine
func (n *Notifier) Start() {
	goroutine.Go(&n.wg, "review-notifier", n.logger, func() {
		for rec := range n.queue {
			n.deliver(rec)
		}
	})
}

// Close stops accepting records and waits for the queue to drain or ctx
// to end
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.client.CloseIdleConnections()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver sends rec to every channel. A failing channel is logged and
// skipped; it never blocks the others.
func (n *Notifier) deliver(rec audit.Record) {
	for _, ch := range n.channels {
		err := ch.breaker.Execute(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
			defer cancel()
			return n.send(ctx, ch.cfg, rec)
		})
		switch {
		case err == nil:
			metrics.NotificationsSent.WithLabelValues(ch.cfg.Type, "sent").Inc()
		case errors.Is(err, core.ErrBreakerOpen), errors.Is(err, core.ErrBreakerProbeLimit):
			metrics.NotificationsSent.WithLabelValues(ch.cfg.Type, "skipped").Inc()
			n.logger.Warnw("Notification channel unavailable, skipping", "channel", ch.key(), "id", rec.ID)
		default:
			metrics.NotificationsSent.WithLabelValues(ch.cfg.Type, "failed").Inc()
			n.logger.Errorw("Failed to send review notification",
				"channel", ch.key(), "id", rec.ID, "event_type", rec.EventType, "error", err)
		}
	}
}

func (n *Notifier) send(ctx context.Context, cfg config.NotifyChannelConfig, rec audit.Record) error {
	switch cfg.Type {
	case ChannelWebhook:
		return n.sendWebhook(ctx, cfg, rec)
	case ChannelSlack:
		return n.sendSlack(ctx, cfg, rec)
	case ChannelEmail:
		return n.sendEmail(cfg, rec)
	default:
		return fmt.Errorf("unsupported notification channel %q", cfg.Type)
	}
}

// webhookPayload is the JSON body of a webhook notification
type webhookPayload struct {
	Type   string       `json:"type"`
	Record audit.Record `json:"record"`
}

func (n *Notifier) sendWebhook(ctx context.Context, cfg config.NotifyChannelConfig, rec audit.Record) error {
	body, err := json.Marshal(webhookPayload{Type: "audit_review", Record: rec})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	return n.post(ctx, method, cfg.URL, cfg.Headers, body)
}

func (n *Notifier) sendSlack(ctx context.Context, cfg config.NotifyChannelConfig, rec audit.Record) error {
	color := "#ff9800"
	if rec.EventType == audit.EventBreakGlass {
		color = "#d32f2f"
	}
	fields := []map[string]interface{}{
		{"title": "Actor", "value": rec.Actor, "short": true},
		{"title": "Outcome", "value": string(rec.Outcome), "short": true},
	}
	if rec.Resource != "" {
		fields = append(fields, map[string]interface{}{"title": "Resource", "value": "`" + rec.Resource + "`", "short": true})
	}
	if rec.Reason != "" {
		fields = append(fields, map[string]interface{}{"title": "Reason", "value": rec.Reason, "short": true})
	}
	for _, k := range sortedKeys(rec.Detail) {
		fields = append(fields, map[string]interface{}{"title": k, "value": rec.Detail[k], "short": false})
	}

	payload := map[string]interface{}{
		"text": fmt.Sprintf("*%s* needs review", rec.EventType),
		"attachments": []map[string]interface{}{
			{
				"color":  color,
				"fields": fields,
				"footer": "medgate audit " + rec.ID,
				"ts":     rec.Timestamp.Unix(),
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack payload: %w", err)
	}
	return n.post(ctx, http.MethodPost, cfg.URL, nil, body)
}

func (n *Notifier) post(ctx context.Context, method, url string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			n.logger.Debugf("Failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

var emailTemplate = template.Must(template.New("email").Parse(`<html>
<body style="font-family: Arial, sans-serif;">
  <h2>{{.EventType}} needs review</h2>
  <table>
    <tr><td><b>Record</b></td><td><code>{{.ID}}</code></td></tr>
    <tr><td><b>Time</b></td><td>{{.Time}}</td></tr>
    <tr><td><b>Actor</b></td><td>{{.Actor}}</td></tr>
    <tr><td><b>Outcome</b></td><td>{{.Outcome}}</td></tr>
    {{if .Resource}}<tr><td><b>Resource</b></td><td><code>{{.Resource}}</code></td></tr>{{end}}
    {{if .Reason}}<tr><td><b>Reason</b></td><td>{{.Reason}}</td></tr>{{end}}
    {{if .IP}}<tr><td><b>Client IP</b></td><td>{{.IP}}</td></tr>{{end}}
    {{range .Detail}}<tr><td><b>{{.Key}}</b></td><td>{{.Value}}</td></tr>{{end}}
  </table>
</body>
</html>
`))

type emailField struct{ Key, Value string }

// formatEmailBody renders rec as HTML. html/template escapes every value,
// including user-supplied justifications.
func formatEmailBody(rec audit.Record) (string, error) {
	data := struct {
		ID, Time, EventType, Actor, Outcome, Resource, Reason, IP string
		Detail                                                  []emailField
	}{
		ID:        rec.ID,
		Time:      rec.Timestamp.UTC().Format(time.RFC3339),
		EventType: string(rec.EventType),
		Actor:     rec.Actor,
		Outcome:   string(rec.Outcome),
		Resource:  rec.Resource,
		Reason:    rec.Reason,
		IP:        rec.IP,
	}
	for _, k := range sortedKeys(rec.Detail) {
		data.Detail = append(data.Detail, emailField{Key: k, Value: rec.Detail[k]})
	}
	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render email: %w", err)
	}
	return buf.String(), nil
}

func (n *Notifier) sendEmail(cfg config.NotifyChannelConfig, rec audit.Record) error {
	body, err := formatEmailBody(rec)
	if err != nil {
		return err
	}
	// header values come from config and closed enums only
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: [medgate] %s needs review\r\n", rec.EventType)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	var auth smtp.Auth
	if cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort)
	if err := n.sendMail(addr, auth, cfg.From, cfg.To, []byte(msg.String())); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
