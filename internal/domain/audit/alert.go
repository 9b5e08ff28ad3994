package audit

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/validation"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Frequency requires Count matching events from one user within the window
// before a rule fires.
type Frequency struct {
	Count         int `json:"count" validate:"min=1"`
	WindowMinutes int `json:"window_minutes" validate:"min=1"`
}

func (f Frequency) Window() time.Duration {
	return time.Duration(f.WindowMinutes) * time.Minute
}

// Conditions are ANDed; an absent condition always holds.
type Conditions struct {
	Actions      []string   `json:"actions,omitempty"`
	Results      []Result   `json:"results,omitempty" validate:"dive,oneof=success failure partial"`
	UserPatterns []string   `json:"user_patterns,omitempty"`
	IPPatterns   []string   `json:"ip_patterns,omitempty"`
	Frequency    *Frequency `json:"frequency,omitempty"`
}

type Notifications struct {
	Emails     []string `json:"emails,omitempty" validate:"dive,email"`
	WebhookURL string   `json:"webhook_url,omitempty" validate:"omitempty,url"`
}

type AlertRule struct {
	ID            uuid.UUID     `json:"id"`
	Name          string        `json:"name" validate:"required,max=200"`
	Conditions    Conditions    `json:"conditions"`
	Notifications Notifications `json:"notifications"`
	Severity      Severity      `json:"severity" validate:"required,oneof=low medium high critical"`
	Active        bool          `json:"active"`
	TriggerCount  int64         `json:"trigger_count"`
	LastTriggered *time.Time    `json:"last_triggered,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Validate checks struct tags and that every pattern compiles.
func (r *AlertRule) Validate() error {
	if err := validation.Struct("INVALID_ALERT_RULE", r); err != nil {
		return err
	}
	for _, p := range append(append([]string{}, r.Conditions.UserPatterns...), r.Conditions.IPPatterns...) {
		if _, err := regexp.Compile(p); err != nil {
			return errors.NewValidationError("INVALID_ALERT_RULE",
				fmt.Sprintf("pattern %q does not compile", p)).WithCause(err)
		}
	}
	return nil
}

// Matcher is an alert rule with its patterns compiled.
type Matcher struct {
	Rule  *AlertRule
	users []*regexp.Regexp
	ips   []*regexp.Regexp
}

// Compile prepares a rule for repeated matching.
func Compile(rule *AlertRule) (*Matcher, error) {
	m := &Matcher{Rule: rule}
	for _, p := range rule.Conditions.UserPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		m.users = append(m.users, re)
	}
	for _, p := range rule.Conditions.IPPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		m.ips = append(m.ips, re)
	}
	return m, nil
}

// Matches evaluates the static conditions. Frequency is evaluated separately
// because it depends on prior events.
func (m *Matcher) Matches(e *Event) bool {
	c := m.Rule.Conditions
	if len(c.Actions) > 0 && !contains(c.Actions, e.Action) {
		return false
	}
	if len(c.Results) > 0 {
		ok := false
		for _, r := range c.Results {
			if r == e.Result {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(m.users) > 0 && !anyMatch(m.users, e.UserEmail) {
		return false
	}
	if len(m.ips) > 0 && !anyMatch(m.ips, e.IPAddress) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func anyMatch(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// windowSweepEvery is how far event time must advance between sweeps of
// idle (rule, user) pairs.
const windowSweepEvery = time.Minute

// Window counts matching events per (rule, user) over a sliding interval.
// Pairs whose hits have all aged out are swept as event time advances.
// It is not safe for concurrent use.
type Window struct {
	hits      map[windowKey]*windowHits
	lastSweep time.Time
}

type windowKey struct {
	rule uuid.UUID
	user string
}

type windowHits struct {
	at   []time.Time
	span time.Duration
}

func NewWindow() *Window {
	return &Window{hits: make(map[windowKey]*windowHits)}
}

// Observe records a hit at ts and reports whether at least f.Count hits fall
// within the window ending at ts. Hits older than the window are discarded and
// a firing window starts over empty.
func (w *Window) Observe(ruleID uuid.UUID, userID string, f Frequency, ts time.Time) bool {
	w.sweep(ts)

	key := windowKey{rule: ruleID, user: userID}
	span := f.Window()
	cutoff := ts.Add(-span)

	entry := w.hits[key]
	if entry == nil {
		entry = &windowHits{}
	}
	kept := entry.at[:0]
	for _, h := range entry.at {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	kept = append(kept, ts)

	if len(kept) >= f.Count {
		delete(w.hits, key)
		return true
	}
	entry.at = kept
	entry.span = span
	w.hits[key] = entry
	return false
}

// sweep drops pairs whose newest hit is outside their window at ts.
func (w *Window) sweep(ts time.Time) {
	if ts.Sub(w.lastSweep) < windowSweepEvery {
		return
	}
	w.lastSweep = ts
	for k, e := range w.hits {
		if len(e.at) == 0 || !e.at[len(e.at)-1].After(ts.Add(-e.span)) {
			delete(w.hits, k)
		}
	}
}

// Len reports how many (rule, user) pairs hold hits.
func (w *Window) Len() int {
	return len(w.hits)
}

// Forget drops all state for a rule.
func (w *Window) Forget(ruleID uuid.UUID) {
	for k := range w.hits {
		if k.rule == ruleID {
			delete(w.hits, k)
		}
	}
}
