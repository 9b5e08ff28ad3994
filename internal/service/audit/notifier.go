package audit

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/events"
	"github.com/davidleathers/compliance-governance-engine/internal/metrics"
)

// Alert is a fired rule together with the event that fired it.
type Alert struct {
	Rule        audit.AlertRule `json:"rule"`
	Event       audit.Event     `json:"event"`
	TriggeredAt time.Time       `json:"triggered_at"`
}

// Notifier delivers fired alerts. Delivery failures are the notifier's to
// log; callers never wait on them.
type Notifier interface {
	Notify(ctx context.Context, alert Alert)
}

// Mailer sends a plain-text message.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// Poster delivers a JSON payload to a URL.
type Poster interface {
	Post(ctx context.Context, url string, eventType events.Type, payload interface{}) error
}

// SMTPMailer sends mail through a relay without authentication.
type SMTPMailer struct {
	addr string
	from string
}

func NewSMTPMailer(addr, from string) *SMTPMailer {
	return &SMTPMailer{addr: addr, from: from}
}

func (m *SMTPMailer) Send(ctx context.Context, to []string, subject, body string) error {
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", m.from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(body)

	done := make(chan error, 1)
	go func() { done <- smtp.SendMail(m.addr, nil, m.from, to, []byte(msg.String())) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatcher fans an alert out to the rule's email recipients and webhook,
// dropping deliveries beyond its rate limit.
type Dispatcher struct {
	logger  *zap.Logger
	mailer  Mailer
	poster  Poster
	limiter *rate.Limiter
	metrics *metrics.Registry
}

// NewDispatcher creates a dispatcher. A nil mailer or poster disables that channel.
func NewDispatcher(logger *zap.Logger, mailer Mailer, poster Poster, perSecond float64, burst int, registry *metrics.Registry) *Dispatcher {
	return &Dispatcher{
		logger:  logger.With(zap.String("component", "alert_dispatcher")),
		mailer:  mailer,
		poster:  poster,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		metrics: registry,
	}
}

func (d *Dispatcher) Notify(ctx context.Context, alert Alert) {
	rule := alert.Rule
	if len(rule.Notifications.Emails) > 0 {
		d.email(ctx, alert)
	}
	if rule.Notifications.WebhookURL != "" {
		d.webhook(ctx, alert)
	}
}

func (d *Dispatcher) email(ctx context.Context, alert Alert) {
	if d.mailer == nil {
		return
	}
	if !d.limiter.Allow() {
		d.dropped(ctx, "email", alert)
		return
	}
	subject := fmt.Sprintf("[%s] Audit alert: %s", strings.ToUpper(string(alert.Rule.Severity)), alert.Rule.Name)
	if err := d.mailer.Send(ctx, alert.Rule.Notifications.Emails, subject, alertBody(alert)); err != nil {
		d.metrics.RecordNotificationFailure(ctx, "email")
		d.logger.Error("Alert email failed",
			zap.String("rule_id", alert.Rule.ID.String()),
			zap.Strings("recipients", alert.Rule.Notifications.Emails),
			zap.Error(err))
	}
}

func (d *Dispatcher) webhook(ctx context.Context, alert Alert) {
	if d.poster == nil {
		return
	}
	if !d.limiter.Allow() {
		d.dropped(ctx, "webhook", alert)
		return
	}
	if err := d.poster.Post(ctx, alert.Rule.Notifications.WebhookURL, events.AlertTriggered, alert); err != nil {
		d.metrics.RecordNotificationFailure(ctx, "webhook")
		d.logger.Error("Alert webhook failed",
			zap.String("rule_id", alert.Rule.ID.String()),
			zap.String("url", alert.Rule.Notifications.WebhookURL),
			zap.Error(err))
	}
}

func (d *Dispatcher) dropped(ctx context.Context, channel string, alert Alert) {
	d.metrics.RecordNotificationFailure(ctx, channel)
	d.logger.Warn("Alert notification rate limited",
		zap.String("channel", channel),
		zap.String("rule_id", alert.Rule.ID.String()))
}

func alertBody(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rule:      %s (%s)\n", a.Rule.Name, a.Rule.ID)
	fmt.Fprintf(&b, "Severity:  %s\n", a.Rule.Severity)
	fmt.Fprintf(&b, "Triggered: %s\n", a.TriggeredAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Count:     %d\n\n", a.Rule.TriggerCount)
	fmt.Fprintf(&b, "User:      %s <%s>\n", a.Event.UserID, a.Event.UserEmail)
	fmt.Fprintf(&b, "Action:    %s on %s/%s\n", a.Event.Action, a.Event.Resource.Type, a.Event.Resource.ID)
	fmt.Fprintf(&b, "Result:    %s\n", a.Event.Result)
	fmt.Fprintf(&b, "IP:        %s\n", a.Event.IPAddress)
	fmt.Fprintf(&b, "Session:   %s\n", a.Event.SessionID)
	return b.String()
}
