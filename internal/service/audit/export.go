package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
)

// ExportFormat selects the export encoding.
type ExportFormat string

const (
	FormatJSONL ExportFormat = "jsonl"
	FormatCSV   ExportFormat = "csv"
)

var csvHeader = []string{
	"id", "timestamp", "user_id", "user_email", "user_role", "action",
	"resource_type", "resource_id", "resource_name", "result",
	"ip_address", "user_agent", "session_id", "correlation_id", "details",
}

// Export writes matching stored events to w, newest first, and returns how
// many were written.
func (s *Service) Export(ctx context.Context, filter audit.Filter, format ExportFormat, w io.Writer) (int, error) {
	ctx, span := s.tracer.Start(ctx, "AuditTrail.Export",
		trace.WithAttributes(attribute.String("format", string(format))))
	defer span.End()

	var write func(*audit.Event) error
	var finish func() error

	switch ExportFormat(strings.ToLower(string(format))) {
	case FormatJSONL:
		enc := json.NewEncoder(w)
		write = func(e *audit.Event) error { return enc.Encode(e) }
		finish = func() error { return nil }
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return 0, err
		}
		write = func(e *audit.Event) error {
			row, err := csvRow(e)
			if err != nil {
				return err
			}
			return cw.Write(row)
		}
		finish = func() error {
			cw.Flush()
			return cw.Error()
		}
	default:
		return 0, errors.NewValidationError("UNSUPPORTED_EXPORT_FORMAT",
			fmt.Sprintf("export format %q is not supported", format))
	}

	n := 0
	err := s.scan(ctx, filter, func(page []*audit.Event) error {
		for _, e := range page {
			if err := write(e); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err == nil {
		err = finish()
	}
	if err != nil {
		span.RecordError(err)
		return n, err
	}

	s.logger.Info("Audit events exported", zap.String("format", string(format)), zap.Int("count", n))
	return n, nil
}

func csvRow(e *audit.Event) ([]string, error) {
	details := ""
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return nil, err
		}
		details = string(b)
	}
	return []string{
		e.ID.String(),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.UserID,
		e.UserEmail,
		e.UserRole,
		e.Action,
		e.Resource.Type,
		e.Resource.ID,
		e.Resource.Name,
		string(e.Result),
		e.IPAddress,
		e.UserAgent,
		e.SessionID,
		e.CorrelationID,
		details,
	}, nil
}
