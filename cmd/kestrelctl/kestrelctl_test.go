package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestTally(t *testing.T) {
	tl := &tally{}
	tl.record(true, domain.DecisionBlock, time.Millisecond)      // TP
	tl.record(false, domain.DecisionBlock, time.Millisecond)     // FP
	tl.record(false, domain.DecisionAllow, time.Millisecond)     // TN
	tl.record(true, domain.DecisionChallenge, time.Millisecond)  // FN: challenge is not positive
	tl.record(false, domain.DecisionChallenge, time.Millisecond) // TN

	assert.Equal(t, int64(1), tl.tp.Load())
	assert.Equal(t, int64(1), tl.fp.Load())
	assert.Equal(t, int64(2), tl.tn.Load())
	assert.Equal(t, int64(1), tl.fn.Load())
	assert.Equal(t, int64(5), tl.total())
	assert.InDelta(t, 0.5, tl.precision(), 1e-9)
	assert.InDelta(t, 0.5, tl.recall(), 1e-9)
	assert.InDelta(t, 0.5, tl.f1(), 1e-9)
	assert.InDelta(t, 0.6, tl.accuracy(), 1e-9)

	strict := &tally{challengeIsFraud: true}
	strict.record(true, domain.DecisionChallenge, 0)
	assert.Equal(t, int64(1), strict.tp.Load())
}

func TestTallyEmpty(t *testing.T) {
	tl := &tally{}
	assert.Zero(t, tl.precision())
	assert.Zero(t, tl.recall())
	assert.Zero(t, tl.f1())
	assert.Zero(t, tl.accuracy())
}

func TestParsePositive(t *testing.T) {
	v, err := parsePositive("block")
	require.NoError(t, err)
	assert.False(t, v)

	v, err = parsePositive("Challenge")
	require.NoError(t, err)
	assert.True(t, v)

	_, err = parsePositive("allow")
	assert.Error(t, err)
}

func TestBenchRows(t *testing.T) {
	ds := &dataset.Dataset{
		X: [][]float64{{1}, {2}, {3}, {4}, {5}},
		Y: []int{0, 1, 0, 1, 1},
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, benchRows(ds, 0, false))
	assert.Equal(t, []int{0, 1}, benchRows(ds, 2, false))
	assert.Equal(t, []int{1, 3, 4}, benchRows(ds, 0, true))
	assert.Equal(t, []int{1, 3}, benchRows(ds, 2, true))
}

func TestRowPayload(t *testing.T) {
	ds := dataset.Generate(10, 0.2, 1)
	payload := rowPayload(ds.Order, ds.X[0])
	assert.Len(t, payload, domain.NumFeatures)
	assert.Equal(t, ds.X[0][0], payload["Time"])
	assert.Equal(t, ds.X[0][domain.NumFeatures-1], payload["Amount"])
}

func TestScorePath(t *testing.T) {
	assert.Equal(t, "/score", scorePath(""))
	assert.Equal(t, "/score?algorithm=svm", scorePath("svm"))
}

func TestClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/score":
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(domain.ScoreResult{ID: "abc", Decision: domain.DecisionAllow, Score: 0.1})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "unknown algorithm: \"xgb\""})
		}
	}))
	defer srv.Close()

	c := newClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	var res domain.ScoreResult
	require.NoError(t, c.post(ctx, "/score", map[string]any{"Time": 1.0}, &res))
	assert.Equal(t, "abc", res.ID)
	assert.Equal(t, domain.DecisionAllow, res.Decision)

	err := c.post(ctx, "/train/xgb", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Contains(t, apiErr.Message, "unknown algorithm")
}

func TestWaitHealthy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	c := newClient(srv.URL, time.Second)
	require.NoError(t, c.waitHealthy(context.Background(), 10*time.Second))
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestWaitHealthyPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newClient(srv.URL, time.Second)
	assert.Error(t, c.waitHealthy(context.Background(), 10*time.Second))
	assert.Equal(t, int32(1), calls.Load())
}
