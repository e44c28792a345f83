package ha

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FairForge/warden/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWebhookNotifier_Notify(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Notification
		sigs     []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var n Notification
		if err := json.Unmarshal(body, &n); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, n)
		sigs = append(sigs, r.Header.Get("X-Warden-Signature"))
		mu.Unlock()
		assert.Equal(t, "disaster.declared", r.Header.Get("X-Warden-Event"))
		assert.Equal(t, "ops", r.Header.Get("X-Team"))
		assert.True(t, VerifySignature(body, r.Header.Get("X-Warden-Signature"), "s3cret"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(srv.Client(), 3, time.Millisecond, zap.NewNop())
	err := w.Notify(context.Background(), Stakeholder{
		Name:            "oncall",
		EscalationLevel: 1,
		WebhookURL:      srv.URL,
		Secret:          "s3cret",
		Headers:         map[string]string{"X-Team": "ops"},
	}, Notification{
		ID:         "n-1",
		Type:       "disaster.declared",
		DisasterID: "dis-1",
		Severity:   registry.SeverityCritical,
		Message:    "critical outage",
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "dis-1", received[0].DisasterID)
	assert.Equal(t, 1, received[0].Attempt)
	assert.NotEmpty(t, sigs[0])
}

func TestWebhookNotifier_Retries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "3", r.Header.Get("X-Warden-Attempt"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(srv.Client(), 3, time.Millisecond, nil)
	err := w.Notify(context.Background(), Stakeholder{Name: "lead", EscalationLevel: 2, WebhookURL: srv.URL}, Notification{Type: "failover.failed"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())

	attempts.Store(-10)
	err = w.Notify(context.Background(), Stakeholder{Name: "lead", EscalationLevel: 2, WebhookURL: srv.URL}, Notification{Type: "failover.failed"})
	assert.Error(t, err)
}

func TestWebhookNotifier_NoWebhook(t *testing.T) {
	w := NewWebhookNotifier(nil, 0, 0, nil)
	assert.NoError(t, w.Notify(context.Background(), Stakeholder{Name: "pager"}, Notification{}))
}

func TestSignature(t *testing.T) {
	payload := []byte(`{"type":"disaster.declared"}`)
	sig := Sign(payload, "key")
	assert.True(t, VerifySignature(payload, sig, "key"))
	assert.False(t, VerifySignature(payload, sig, "other"))
	assert.False(t, VerifySignature([]byte(`{}`), sig, "key"))
}

func TestStakeholder_Validate(t *testing.T) {
	tests := []struct {
		name    string
		s       Stakeholder
		wantErr bool
	}{
		{"valid", Stakeholder{Name: "ops", EscalationLevel: 1, WebhookURL: "https://hooks.example.com/dr"}, false},
		{"no webhook", Stakeholder{Name: "ops", EscalationLevel: 4}, false},
		{"missing name", Stakeholder{EscalationLevel: 1}, true},
		{"level too low", Stakeholder{Name: "ops"}, true},
		{"level too high", Stakeholder{Name: "ops", EscalationLevel: 5}, true},
		{"bad url", Stakeholder{Name: "ops", EscalationLevel: 1, WebhookURL: "not a url"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
