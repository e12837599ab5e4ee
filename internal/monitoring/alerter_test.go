package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-cli/internal/model"
)

func TestEvaluateStuckAudits(t *testing.T) {
	a := NewAlerter("")
	snap := &Snapshot{
		LookbackHours: 24,
		Stuck: []StuckAudit{
			{AuditID: "a1", Phase: model.PhaseExecution, HeartbeatAge: 7 * time.Minute},
			{AuditID: "a2", Phase: model.PhaseAnalysis, HeartbeatAge: 12 * time.Minute},
		},
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertStuckAudit, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "a1")
	assert.Contains(t, alerts[0].Message, "execution")
}

func TestEvaluateProviderFailures(t *testing.T) {
	a := NewAlerter("")

	t.Run("fires when failures dominate", func(t *testing.T) {
		snap := &Snapshot{
			LookbackHours:     24,
			ProviderSuccesses: 4,
			TransportFailures: 5,
			TimeoutFailures:   3,
		}
		alerts := a.Evaluate(snap)
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertProviderFailures, alerts[0].Type)
	})

	t.Run("quiet below volume floor", func(t *testing.T) {
		snap := &Snapshot{
			LookbackHours:     24,
			ProviderSuccesses: 1,
			TransportFailures: 5,
		}
		assert.Empty(t, a.Evaluate(snap))
	})

	t.Run("quiet when successes dominate", func(t *testing.T) {
		snap := &Snapshot{
			LookbackHours:     24,
			ProviderSuccesses: 50,
			TransportFailures: 5,
		}
		assert.Empty(t, a.Evaluate(snap))
	})
}

func TestSendDeliversToWebhook(t *testing.T) {
	var received []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		received = append(received, alert)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(srv.URL)
	sent := a.Send(context.Background(), []Alert{
		LoopAlert("a1", "3 attempts within 1h"),
		{Type: AlertStuckAudit, Severity: "high", Message: "stuck"},
	})

	assert.Equal(t, 2, sent)
	require.Len(t, received, 2)
	assert.Equal(t, AlertLoopDetected, received[0].Type)
	assert.Equal(t, "a1", received[0].Details["audit_id"])
}

func TestSendSkipsWithoutWebhook(t *testing.T) {
	a := NewAlerter("")
	assert.Zero(t, a.Send(context.Background(), []Alert{{Type: AlertStuckAudit}}))
}

func TestSendToleratesRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewAlerter(srv.URL)
	assert.Zero(t, a.Send(context.Background(), []Alert{{Type: AlertStuckAudit}}))
}
