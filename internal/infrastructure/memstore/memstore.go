// Package memstore holds map-backed implementations of every repository. It
// backs storage.driver=memory and the service tests.
package memstore

// Stores bundles one of each in-memory repository.
type Stores struct {
	Evidence  *EvidenceStore
	Rules     *RuleStore
	Audit     *AuditStore
	Alerts    *AlertRuleStore
	Sessions  *SessionStore
	Retention *RetentionStore
	Risks     *RiskStore
}

func New() *Stores {
	return &Stores{
		Evidence:  NewEvidenceStore(),
		Rules:     NewRuleStore(),
		Audit:     NewAuditStore(),
		Alerts:    NewAlertRuleStore(),
		Sessions:  NewSessionStore(),
		Retention: NewRetentionStore(),
		Risks:     NewRiskStore(),
	}
}
