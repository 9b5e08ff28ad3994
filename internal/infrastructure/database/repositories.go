package database

// Repositories bundles one PostgreSQL repository per store, all sharing the
// pool.
type Repositories struct {
	Evidence  *EvidenceRepository
	Rules     *RuleRepository
	Audit     *AuditRepository
	Alerts    *AlertRuleRepository
	Sessions  *SessionRepository
	Retention *RetentionPolicyRepository
	Risks     *RiskRepository
}

func NewRepositories(pool *ConnectionPool) *Repositories {
	db := pool.Pool()
	return &Repositories{
		Evidence:  NewEvidenceRepository(db),
		Rules:     NewRuleRepository(db),
		Audit:     NewAuditRepository(db),
		Alerts:    NewAlertRuleRepository(db),
		Sessions:  NewSessionRepository(db),
		Retention: NewRetentionPolicyRepository(db),
		Risks:     NewRiskRepository(db),
	}
}
