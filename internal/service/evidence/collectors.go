package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/evidence"
)

const maxCollectedBytes = 10 << 20

// decodeOutput returns JSON documents decoded and anything else as trimmed text.
func decodeOutput(b []byte) any {
	trimmed := bytes.TrimSpace(b)
	if json.Valid(trimmed) && len(trimmed) > 0 {
		var v any
		if err := json.Unmarshal(trimmed, &v); err == nil {
			return v
		}
	}
	return string(trimmed)
}

// HTTPCollector fetches evidence from an HTTP endpoint.
//
// Config: url (required), method (default GET), headers (map), body (any,
// sent as JSON).
type HTTPCollector struct {
	client *http.Client
}

func NewHTTPCollector(timeout time.Duration) *HTTPCollector {
	return &HTTPCollector{client: &http.Client{Timeout: timeout}}
}

func (c *HTTPCollector) Type() evidence.CollectorType { return evidence.CollectorAPI }
func (c *HTTPCollector) Name() string                 { return "http" }

func (c *HTTPCollector) Collect(ctx context.Context, config map[string]any) (any, error) {
	url, err := stringParam(config, "url")
	if err != nil {
		return nil, err
	}
	method := http.MethodGet
	if m, ok := config["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	if b, ok := config["body"]; ok {
		payload, err := json.Marshal(b)
		if err != nil {
			return nil, errors.NewCollectionError("INVALID_COLLECTOR_PARAM", "request body is not JSON-encodable").WithCause(err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.NewCollectionError("INVALID_COLLECTOR_PARAM", "cannot build request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.NewCollectionError("HTTP_REQUEST_FAILED", "evidence endpoint unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCollectedBytes))
	if err != nil {
		return nil, errors.NewCollectionError("HTTP_REQUEST_FAILED", "reading response body").WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.NewCollectionError("HTTP_STATUS",
			fmt.Sprintf("evidence endpoint returned %d", resp.StatusCode))
	}
	return decodeOutput(data), nil
}

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// QueryCollector runs a SQL query in a read-only transaction and returns the
// rows as a list of column maps.
//
// Config: sql (required), args (list).
type QueryCollector struct {
	db TxBeginner
}

func NewQueryCollector(db TxBeginner) *QueryCollector {
	return &QueryCollector{db: db}
}

func (c *QueryCollector) Type() evidence.CollectorType { return evidence.CollectorQuery }
func (c *QueryCollector) Name() string                 { return "postgres" }

func (c *QueryCollector) Collect(ctx context.Context, config map[string]any) (any, error) {
	query, err := stringParam(config, "sql")
	if err != nil {
		return nil, err
	}
	args := listParam(config, "args")

	tx, err := c.db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, errors.NewCollectionError("QUERY_FAILED", "cannot open read-only transaction").WithCause(err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.NewCollectionError("QUERY_FAILED", "evidence query failed").WithCause(err)
	}
	result, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, errors.NewCollectionError("QUERY_FAILED", "reading evidence rows").WithCause(err)
	}
	return result, nil
}

// ScriptCollector runs an external command and captures stdout.
//
// Config: command (required), args (list), dir.
type ScriptCollector struct {
	timeout time.Duration
}

func NewScriptCollector(timeout time.Duration) *ScriptCollector {
	return &ScriptCollector{timeout: timeout}
}

func (c *ScriptCollector) Type() evidence.CollectorType { return evidence.CollectorScript }
func (c *ScriptCollector) Name() string                 { return "command" }

func (c *ScriptCollector) Collect(ctx context.Context, config map[string]any) (any, error) {
	command, err := stringParam(config, "command")
	if err != nil {
		return nil, err
	}
	var args []string
	for _, a := range listParam(config, "args") {
		args = append(args, fmt.Sprint(a))
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, command, args...)
	if dir, ok := config["dir"].(string); ok {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.NewCollectionError("COMMAND_TIMEOUT",
				fmt.Sprintf("%s exceeded %s", command, c.timeout)).WithCause(err)
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return nil, errors.NewCollectionError("COMMAND_FAILED",
			fmt.Sprintf("%s failed: %s", command, msg)).WithCause(err)
	}
	if stdout.Len() > maxCollectedBytes {
		return nil, errors.NewCollectionError("COMMAND_OUTPUT_TOO_LARGE",
			fmt.Sprintf("%s produced %d bytes", command, stdout.Len()))
	}
	return decodeOutput(stdout.Bytes()), nil
}

// ManualCollector returns operator-supplied evidence, either inline under
// "data" or read from "path" beneath the artifact root.
type ManualCollector struct {
	root string
}

func NewManualCollector(root string) *ManualCollector {
	return &ManualCollector{root: root}
}

func (c *ManualCollector) Type() evidence.CollectorType { return evidence.CollectorManual }
func (c *ManualCollector) Name() string                 { return "artifact" }

func (c *ManualCollector) Collect(_ context.Context, config map[string]any) (any, error) {
	if data, ok := config["data"]; ok {
		return data, nil
	}
	rel, err := stringParam(config, "path")
	if err != nil {
		return nil, errors.NewCollectionError("MISSING_COLLECTOR_PARAM", `manual collector needs "data" or "path"`)
	}

	path, err := c.resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.NewCollectionError("ARTIFACT_UNREADABLE", "cannot stat artifact").WithCause(err)
	}
	if info.Size() > maxCollectedBytes {
		return nil, errors.NewCollectionError("ARTIFACT_TOO_LARGE",
			fmt.Sprintf("artifact is %d bytes", info.Size()))
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewCollectionError("ARTIFACT_UNREADABLE", "cannot read artifact").WithCause(err)
	}
	return decodeOutput(b), nil
}

func (c *ManualCollector) resolve(rel string) (string, error) {
	if c.root == "" {
		return filepath.Clean(rel), nil
	}
	root, err := filepath.Abs(c.root)
	if err != nil {
		return "", errors.NewCollectionError("ARTIFACT_UNREADABLE", "bad artifact root").WithCause(err)
	}
	path := filepath.Join(root, rel)
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", errors.NewCollectionError("ARTIFACT_OUTSIDE_ROOT",
			fmt.Sprintf("artifact path %q escapes the artifact root", rel))
	}
	return path, nil
}
