package evidence

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/evidence"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get(evidence.CollectorAPI)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))

	r.Register(NewHTTPCollector(time.Second))
	r.Register(NewManualCollector(""))
	c, err := r.Get(evidence.CollectorAPI)
	require.NoError(t, err)
	assert.Equal(t, "http", c.Name())
	assert.ElementsMatch(t, []evidence.CollectorType{evidence.CollectorAPI, evidence.CollectorManual}, r.Types())
}

func TestHTTPCollector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mfa":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
			body, _ := io.ReadAll(r.Body)
			var req map[string]any
			assert.NoError(t, json.Unmarshal(body, &req))
			assert.Equal(t, "org-1", req["org"])
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"enforced": true, "users": 12}`))
		case "/text":
			_, _ = w.Write([]byte("  plain output \n"))
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	c := NewHTTPCollector(time.Second)
	ctx := context.Background()

	got, err := c.Collect(ctx, map[string]any{
		"url":     srv.URL + "/mfa",
		"method":  "post",
		"headers": map[string]any{"X-Api-Key": "secret"},
		"body":    map[string]any{"org": "org-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"enforced": true, "users": float64(12)}, got)

	got, err = c.Collect(ctx, map[string]any{"url": srv.URL + "/text"})
	require.NoError(t, err)
	assert.Equal(t, "plain output", got)

	_, err = c.Collect(ctx, map[string]any{"url": srv.URL + "/denied"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeCollection))

	_, err = c.Collect(ctx, map[string]any{})
	assert.Error(t, err)
}

func TestScriptCollector(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	ctx := context.Background()

	c := NewScriptCollector(time.Second)
	got, err := c.Collect(ctx, map[string]any{
		"command": "sh",
		"args":    []any{"-c", `echo '{"patched": 3}'`},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"patched": float64(3)}, got)

	_, err = c.Collect(ctx, map[string]any{
		"command": "sh",
		"args":    []any{"-c", "echo broken >&2; exit 2"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	slow := NewScriptCollector(50 * time.Millisecond)
	_, err = slow.Collect(ctx, map[string]any{"command": "sleep", "args": []any{"5"}})
	require.Error(t, err)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "COMMAND_TIMEOUT", appErr.Code)
}

func TestManualCollector(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "policies"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "policies", "access.json"), []byte(`{"approved": true}`), 0o644))

	c := NewManualCollector(root)
	ctx := context.Background()

	got, err := c.Collect(ctx, map[string]any{"data": []any{"signed"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"signed"}, got)

	got, err = c.Collect(ctx, map[string]any{"path": "policies/access.json"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"approved": true}, got)

	_, err = c.Collect(ctx, map[string]any{"path": "../../etc/passwd"})
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "ARTIFACT_OUTSIDE_ROOT", appErr.Code)

	_, err = c.Collect(ctx, map[string]any{})
	assert.Error(t, err)
}
