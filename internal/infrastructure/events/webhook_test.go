package events

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookClientPost(t *testing.T) {
	ctx := context.Background()

	t.Run("signs payload", func(t *testing.T) {
		var gotSig, gotType string
		var gotBody []byte
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotSig = r.Header.Get(SignatureHeader)
			gotType = r.Header.Get("X-Event-Type")
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		client := NewWebhookClient(time.Second, "s3cret")
		err := client.Post(ctx, srv.URL, AlertTriggered, map[string]string{"rule": "brute-force"})
		require.NoError(t, err)

		assert.Equal(t, string(AlertTriggered), gotType)
		assert.Equal(t, Sign(gotBody, "s3cret"), gotSig)
	})

	t.Run("non-2xx is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		client := NewWebhookClient(time.Second, "")
		assert.Error(t, client.Post(ctx, srv.URL, AlertTriggered, map[string]string{}))
	})
}
