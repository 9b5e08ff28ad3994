package audit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
)

// pageSize bounds each read when scanning the log.
const pageSize = 1000

// Query returns stored events matching filter, newest first. Pending events
// are not visible until flushed.
func (s *Service) Query(ctx context.Context, filter audit.Filter) ([]*audit.Event, error) {
	return s.repos.Events.Query(ctx, filter)
}

func (s *Service) Count(ctx context.Context, filter audit.Filter) (int64, error) {
	return s.repos.Events.Count(ctx, filter)
}

// GetAuditStatistics summarizes stored events with timestamps in [from, to).
func (s *Service) GetAuditStatistics(ctx context.Context, from, to time.Time) (*audit.Statistics, error) {
	ctx, span := s.tracer.Start(ctx, "AuditTrail.GetAuditStatistics",
		trace.WithAttributes(
			attribute.String("from", from.Format(time.RFC3339)),
			attribute.String("to", to.Format(time.RFC3339)),
		))
	defer span.End()

	if !to.After(from) {
		return nil, errors.NewValidationError("INVALID_TIME_RANGE", "to must be after from")
	}

	var all []*audit.Event
	err := s.scan(ctx, audit.Filter{From: &from, To: &to}, func(page []*audit.Event) error {
		all = append(all, page...)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	stats := audit.Summarize(all, from, to, s.config.Location)
	if s.repos.Rollups != nil {
		hourly, err := s.repos.Rollups.HourlyCounts(ctx, from, to)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		stats.Hourly = hourly
	} else {
		stats.Hourly = hourlyFromEvents(all)
	}
	return stats, nil
}

// scan pages through matching events, newest first. Pages are keyed on the
// last (timestamp, id) seen, so events written during the scan do not shift
// later pages.
func (s *Service) scan(ctx context.Context, filter audit.Filter, fn func([]*audit.Event) error) error {
	limit := filter.Limit
	filter.Limit = pageSize
	seen := 0
	for {
		if limit > 0 && limit-seen < filter.Limit {
			filter.Limit = limit - seen
		}
		page, err := s.repos.Events.Query(ctx, filter)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		seen += len(page)
		if len(page) < filter.Limit || (limit > 0 && seen >= limit) {
			return nil
		}
		filter.Offset = 0
		filter.After = audit.CursorOf(page[len(page)-1])
	}
}

func hourlyFromEvents(events []*audit.Event) []audit.HourlyCount {
	counts := make(map[time.Time]int64)
	var hours []time.Time
	for _, e := range events {
		h := e.Timestamp.UTC().Truncate(time.Hour)
		if _, ok := counts[h]; !ok {
			hours = append(hours, h)
		}
		counts[h]++
	}
	out := make([]audit.HourlyCount, 0, len(hours))
	for _, h := range hours {
		out = append(out, audit.HourlyCount{Hour: h, Count: counts[h]})
	}
	// events arrive newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
