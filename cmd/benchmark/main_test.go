package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freestays/passguard/internal/domain"
	"github.com/freestays/passguard/internal/worker"
)

const sampleCSV = `Kind,Account_ID,Occurred_At,Amount,Currency,IP_Country,Device_Fingerprint,Booking_Ref,Is_Fraud
payment_attempt,acct-1,2025-03-01T10:00:00Z,5000.00,EUR,DE,fp-1,,1
login,acct-2,2025-03-01T10:01:00Z,,,FR,fp-2,,0
booking_created,acct-3,2025-03-01T10:02:00Z,120.50,EUR,ES,fp-3,bk-9,true
`

func TestReadEvents(t *testing.T) {
	t.Run("AllRows", func(t *testing.T) {
		events, err := readEvents(strings.NewReader(sampleCSV), 0, false)
		require.NoError(t, err)
		require.Len(t, events, 3)

		first := events[0]
		assert.True(t, first.IsFraud)
		assert.Equal(t, domain.EventPaymentAttempt, first.Event.Kind)
		assert.Equal(t, "acct-1", first.Event.AccountID)
		assert.Equal(t, "5000.00", first.Event.Amount.StringFixed(2))
		assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), first.Event.OccurredAt)

		assert.False(t, events[1].IsFraud)
		assert.True(t, events[1].Event.Amount.IsZero())
		assert.True(t, events[2].IsFraud)
		assert.Equal(t, "bk-9", events[2].Event.BookingRef)
	})

	t.Run("FraudOnlyWithLimit", func(t *testing.T) {
		events, err := readEvents(strings.NewReader(sampleCSV), 1, true)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "acct-1", events[0].Event.AccountID)
	})

	t.Run("MissingColumn", func(t *testing.T) {
		_, err := readEvents(strings.NewReader("kind,amount\nlogin,1\n"), 0, false)
		assert.ErrorContains(t, err, "account_id")
	})

	t.Run("BadAmount", func(t *testing.T) {
		_, err := readEvents(strings.NewReader("kind,account_id,amount,is_fraud\nlogin,a,abc,0\n"), 0, false)
		assert.ErrorContains(t, err, "line 2")
	})
}

func TestScores(t *testing.T) {
	m := &Metrics{}
	m.record(true, true)
	m.record(true, false)
	m.record(false, false)
	m.record(false, true)
	m.record(true, true)

	assert.Equal(t, int64(2), m.TruePositives)
	assert.Equal(t, int64(1), m.FalsePositives)
	assert.Equal(t, int64(1), m.TrueNegatives)
	assert.Equal(t, int64(1), m.FalseNegatives)
	assert.Equal(t, int64(3), m.TotalFraud)

	s := m.Scores()
	assert.InDelta(t, 2.0/3.0, s.Precision, 1e-9)
	assert.InDelta(t, 2.0/3.0, s.Recall, 1e-9)
	assert.InDelta(t, 2.0/3.0, s.F1, 1e-9)
	assert.InDelta(t, 0.6, s.Accuracy, 1e-9)

	assert.Equal(t, Scores{}, (&Metrics{}).Scores())
}

func TestReplay(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		var e domain.Event
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			http.Error(w, `{"error":"bad body"}`, http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("wait") != "true" {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		out := worker.Outcome{EventID: "evt-" + e.AccountID}
		if e.Amount.IntPart() >= 1000 {
			out.AlertIDs = []string{"alert-1"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	events, err := readEvents(strings.NewReader(sampleCSV), 0, false)
	require.NoError(t, err)

	opts := &options{baseURL: srv.URL, workers: 2, timeout: time.Second}
	client := &http.Client{Timeout: opts.timeout}
	require.NoError(t, checkHealth(client, srv.URL))

	var out bytes.Buffer
	m := replay(&out, client, opts, events)

	assert.Equal(t, int64(3), m.TotalProcessed)
	assert.Zero(t, m.TotalErrors)
	assert.Equal(t, int64(1), m.TruePositives)
	assert.Equal(t, int64(1), m.FalseNegatives)
	assert.Equal(t, int64(1), m.TrueNegatives)
	assert.Zero(t, m.FalsePositives)

	printResults(&out, m, time.Second)
	assert.Contains(t, out.String(), "CONFUSION MATRIX")
}
