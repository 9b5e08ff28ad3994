package database

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
)

// documentVersion tags every JSONB column so the stored shape can evolve.
const documentVersion = 1

type envelope struct {
	V    int             `json:"v"`
	Data json.RawMessage `json:"data"`
}

// encodeDocument wraps v in a versioned envelope for a JSONB column.
func encodeDocument(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.NewPersistenceError("failed to encode document").WithCause(err)
	}
	return json.Marshal(envelope{V: documentVersion, Data: data})
}

// decodeDocument unwraps a JSONB column written by encodeDocument. NULL
// leaves dst untouched.
func decodeDocument(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errors.NewPersistenceError("stored document is not valid JSON").WithCause(err)
	}
	if env.V != documentVersion {
		return errors.NewPersistenceError(fmt.Sprintf("unsupported document version %d", env.V))
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return errors.NewPersistenceError("failed to decode document").WithCause(err)
	}
	return nil
}

func isNoRows(err error) bool {
	return stderrors.Is(err, pgx.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23505"
}

// storeError wraps a driver failure, leaving application errors as they are.
func storeError(msg string, err error) error {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	return errors.NewPersistenceError(msg).WithCause(err)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// whereBuilder accumulates AND-ed conditions with numbered placeholders.
type whereBuilder struct {
	conditions []string
	args       []any
}

// add appends condition, replacing each ? with the next placeholder.
func (w *whereBuilder) add(condition string, args ...any) {
	for _, arg := range args {
		w.args = append(w.args, arg)
		condition = strings.Replace(condition, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.conditions = append(w.conditions, condition)
}

func (w *whereBuilder) arg(v any) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *whereBuilder) String() string {
	if len(w.conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conditions, " AND ")
}
