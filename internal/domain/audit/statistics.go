package audit

import (
	"fmt"
	"sort"
	"time"
)

// RollupBucket names a precomputed counter family.
type RollupBucket string

const (
	BucketHour   RollupBucket = "hour"
	BucketAction RollupBucket = "action"
	BucketUser   RollupBucket = "user"
	BucketResult RollupBucket = "result"
)

// RollupDelta increments one counter. HourStart is set for hour buckets only.
type RollupDelta struct {
	Bucket    RollupBucket `json:"bucket"`
	Key       string       `json:"key"`
	HourStart time.Time    `json:"hour_start"`
	Count     int64        `json:"count"`
}

// Rollups derives counter increments for a flushed batch. Hour buckets are
// keyed by the UTC hour start.
func Rollups(events []*Event) []RollupDelta {
	type k struct {
		bucket RollupBucket
		key    string
		hour   time.Time
	}
	counts := make(map[k]int64)
	var order []k
	bump := func(key k) {
		if _, ok := counts[key]; !ok {
			order = append(order, key)
		}
		counts[key]++
	}

	for _, e := range events {
		hour := e.Timestamp.UTC().Truncate(time.Hour)
		bump(k{bucket: BucketHour, key: hour.Format(time.RFC3339), hour: hour})
		bump(k{bucket: BucketAction, key: e.Action, hour: hour})
		bump(k{bucket: BucketUser, key: e.UserID, hour: hour})
		bump(k{bucket: BucketResult, key: string(e.Result), hour: hour})
	}

	out := make([]RollupDelta, 0, len(order))
	for _, key := range order {
		out = append(out, RollupDelta{Bucket: key.bucket, Key: key.key, HourStart: key.hour, Count: counts[key]})
	}
	return out
}

type HourlyCount struct {
	Hour  time.Time `json:"hour"`
	Count int64     `json:"count"`
}

type ResourceCount struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Count int64  `json:"count"`
}

type SuspiciousKind string

const (
	SuspiciousFailedLogins         SuspiciousKind = "multiple_failed_logins"
	SuspiciousUnusualHours         SuspiciousKind = "unusual_access_hours"
	SuspiciousPrivilegeEscalations SuspiciousKind = "privilege_escalation_attempts"
)

type SuspiciousActivity struct {
	Kind        SuspiciousKind `json:"kind"`
	Severity    Severity       `json:"severity"`
	UserID      string         `json:"user_id"`
	IPAddress   string         `json:"ip_address,omitempty"`
	Count       int            `json:"count"`
	Description string         `json:"description"`
}

// Statistics is the audit analytics view over a time window.
type Statistics struct {
	From         time.Time            `json:"from"`
	To           time.Time            `json:"to"`
	Total        int64                `json:"total"`
	ByAction     map[string]int64     `json:"by_action"`
	ByUser       map[string]int64     `json:"by_user"`
	ByResult     map[string]int64     `json:"by_result"`
	Hourly       []HourlyCount        `json:"hourly"`
	TopResources []ResourceCount      `json:"top_resources"`
	Suspicious   []SuspiciousActivity `json:"suspicious"`
}

// PrivilegeEscalationActions are the actions counted as privilege escalation.
var PrivilegeEscalationActions = map[string]bool{
	"privilege_escalation": true,
	"role_change":          true,
	"permission_grant":     true,
	"admin_access":         true,
	"sudo":                 true,
}

const (
	failedLoginThreshold     = 5
	failedLoginHighThreshold = 10
	offHoursDaysThreshold    = 3
	escalationThreshold      = 3
	businessDayStart         = 6
	businessDayEnd           = 22
	topResourceLimit         = 10
)

// Summarize computes counts, top resources and suspicious activity for the
// events of one window. Hourly is left for the caller to fill from rollups.
func Summarize(events []*Event, from, to time.Time, loc *time.Location) *Statistics {
	stats := &Statistics{
		From:     from,
		To:       to,
		Total:    int64(len(events)),
		ByAction: make(map[string]int64),
		ByUser:   make(map[string]int64),
		ByResult: make(map[string]int64),
	}

	type resKey struct{ typ, id string }
	type userIP struct{ user, ip string }
	resources := make(map[resKey]*ResourceCount)
	failedLogins := make(map[userIP]int)
	offHoursDays := make(map[string]map[string]struct{})
	escalations := make(map[string]int)

	for _, e := range events {
		stats.ByAction[e.Action]++
		stats.ByUser[e.UserID]++
		stats.ByResult[string(e.Result)]++

		rk := resKey{e.Resource.Type, e.Resource.ID}
		rc, ok := resources[rk]
		if !ok {
			rc = &ResourceCount{Type: e.Resource.Type, ID: e.Resource.ID, Name: e.Resource.Name}
			resources[rk] = rc
		}
		rc.Count++

		if e.Result == ResultFailure && e.Action == "login" {
			failedLogins[userIP{e.UserID, e.IPAddress}]++
		}
		if e.Result == ResultFailure && PrivilegeEscalationActions[e.Action] {
			escalations[e.UserID]++
		}

		local := e.Timestamp.In(loc)
		if h := local.Hour(); h < businessDayStart || h >= businessDayEnd {
			days, ok := offHoursDays[e.UserID]
			if !ok {
				days = make(map[string]struct{})
				offHoursDays[e.UserID] = days
			}
			days[local.Format("2006-01-02")] = struct{}{}
		}
	}

	for _, rc := range resources {
		stats.TopResources = append(stats.TopResources, *rc)
	}
	sort.Slice(stats.TopResources, func(i, j int) bool {
		a, b := stats.TopResources[i], stats.TopResources[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.ID < b.ID
	})
	if len(stats.TopResources) > topResourceLimit {
		stats.TopResources = stats.TopResources[:topResourceLimit]
	}

	for k, n := range failedLogins {
		if n <= failedLoginThreshold {
			continue
		}
		sev := SeverityMedium
		if n > failedLoginHighThreshold {
			sev = SeverityHigh
		}
		stats.Suspicious = append(stats.Suspicious, SuspiciousActivity{
			Kind:        SuspiciousFailedLogins,
			Severity:    sev,
			UserID:      k.user,
			IPAddress:   k.ip,
			Count:       n,
			Description: fmt.Sprintf("%d failed logins from %s", n, k.ip),
		})
	}
	for user, days := range offHoursDays {
		if len(days) <= offHoursDaysThreshold {
			continue
		}
		stats.Suspicious = append(stats.Suspicious, SuspiciousActivity{
			Kind:        SuspiciousUnusualHours,
			Severity:    SeverityLow,
			UserID:      user,
			Count:       len(days),
			Description: fmt.Sprintf("activity outside %02d:00-%02d:00 on %d days", businessDayStart, businessDayEnd, len(days)),
		})
	}
	for user, n := range escalations {
		if n <= escalationThreshold {
			continue
		}
		stats.Suspicious = append(stats.Suspicious, SuspiciousActivity{
			Kind:        SuspiciousPrivilegeEscalations,
			Severity:    SeverityHigh,
			UserID:      user,
			Count:       n,
			Description: fmt.Sprintf("%d failed privilege escalation attempts", n),
		})
	}
	sort.Slice(stats.Suspicious, func(i, j int) bool {
		a, b := stats.Suspicious[i], stats.Suspicious[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.IPAddress < b.IPAddress
	})

	return stats
}
