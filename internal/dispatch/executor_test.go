package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/callbackd/internal/log"
	"github.com/mattjoyce/callbackd/internal/queue"
	"github.com/mattjoyce/callbackd/internal/telemetry"
)

func TestMain(m *testing.M) {
	log.SetupWriter(io.Discard, "ERROR", "json")
	os.Exit(m.Run())
}

func statusServer(t *testing.T, code int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// hangingServer blocks until the client goes away or the test ends.
func hangingServer(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		code int
		err  error
		want queue.Outcome
	}{
		{"200", http.StatusOK, nil, queue.OutcomeDelivered},
		{"202", http.StatusAccepted, nil, queue.OutcomeDelivered},
		{"204", http.StatusNoContent, nil, queue.OutcomeDelivered},
		{"201 is not success", http.StatusCreated, nil, queue.OutcomeError},
		{"301", http.StatusMovedPermanently, nil, queue.OutcomeError},
		{"404", http.StatusNotFound, nil, queue.OutcomeError},
		{"500", http.StatusInternalServerError, nil, queue.OutcomeError},
		{"deadline", 0, fmt.Errorf("post: %w", context.DeadlineExceeded), queue.OutcomeTimeout},
		{"transport error", 0, errors.New("connection refused"), queue.OutcomeError},
		{"canceled is not timeout", 0, context.Canceled, queue.OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.code, tt.err))
		})
	}
}

func TestDispatchSendsTokenBody(t *testing.T) {
	t.Parallel()

	type seenRequest struct {
		method, contentType, userAgent string
		body                           map[string]any
	}
	seen := make(chan seenRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		seen <- seenRequest{r.Method, r.Header.Get("Content-Type"), r.Header.Get("User-Agent"), body}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	ex := NewExecutor(Options{UserAgent: "callbackd/test"})
	results := ex.Dispatch(context.Background(), []queue.Claimed{
		{ID: 1, WebhookURL: srv.URL + "/hook", WebhookAuth: "s3cret"},
	}, time.Second)

	require.Len(t, results, 1)
	assert.Equal(t, queue.OutcomeDelivered, results[0].Outcome)
	assert.Equal(t, http.StatusNoContent, results[0].StatusCode)
	assert.Empty(t, results[0].Message())

	req := <-seen
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "application/json", req.contentType)
	assert.Equal(t, "callbackd/test", req.userAgent)
	assert.Equal(t, map[string]any{"token": "s3cret"}, req.body)
}

func TestDispatchStatusOutcomes(t *testing.T) {
	t.Parallel()

	codes := map[int]queue.Outcome{
		http.StatusOK:                  queue.OutcomeDelivered,
		http.StatusAccepted:            queue.OutcomeDelivered,
		http.StatusNoContent:           queue.OutcomeDelivered,
		http.StatusCreated:             queue.OutcomeError,
		http.StatusBadRequest:          queue.OutcomeError,
		http.StatusInternalServerError: queue.OutcomeError,
	}

	ex := NewExecutor(Options{})
	for code, want := range codes {
		srv := statusServer(t, code)
		results := ex.Dispatch(context.Background(), []queue.Claimed{{ID: int64(code), WebhookURL: srv.URL}}, time.Second)
		require.Len(t, results, 1)
		assert.Equal(t, want, results[0].Outcome, "status %d", code)
		assert.Equal(t, code, results[0].StatusCode)
		if want == queue.OutcomeError {
			assert.Equal(t, fmt.Sprintf("unexpected status %d", code), results[0].Message())
		}
	}
}

func TestDispatchDoesNotFollowRedirects(t *testing.T) {
	t.Parallel()

	target := statusServer(t, http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	t.Cleanup(srv.Close)

	results := NewExecutor(Options{}).Dispatch(context.Background(), []queue.Claimed{{ID: 5, WebhookURL: srv.URL}}, time.Second)
	require.Len(t, results, 1)
	assert.Equal(t, http.StatusFound, results[0].StatusCode)
	assert.Equal(t, queue.OutcomeError, results[0].Outcome)
}

func TestDispatchTimeout(t *testing.T) {
	t.Parallel()

	srv := hangingServer(t)
	ex := NewExecutor(Options{})

	start := time.Now()
	results := ex.Dispatch(context.Background(), []queue.Claimed{{ID: 9, WebhookURL: srv.URL}}, 50*time.Millisecond)

	require.Len(t, results, 1)
	assert.Equal(t, queue.OutcomeTimeout, results[0].Outcome)
	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
	assert.Zero(t, results[0].StatusCode)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDispatchConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	results := NewExecutor(Options{}).Dispatch(context.Background(), []queue.Claimed{{ID: 3, WebhookURL: url}}, time.Second)
	require.Len(t, results, 1)
	assert.Equal(t, queue.OutcomeError, results[0].Outcome)
	assert.Error(t, results[0].Err)
	assert.NotEmpty(t, results[0].Message())
}

func TestDispatchInvalidURL(t *testing.T) {
	t.Parallel()

	results := NewExecutor(Options{}).Dispatch(context.Background(), []queue.Claimed{{ID: 4, WebhookURL: "http://[::1"}}, time.Second)
	require.Len(t, results, 1)
	assert.Equal(t, queue.OutcomeError, results[0].Outcome)
	assert.Error(t, results[0].Err)
}

func TestDispatchIsolatesSiblings(t *testing.T) {
	t.Parallel()

	slow := hangingServer(t)
	broken := statusServer(t, http.StatusInternalServerError)
	ok := statusServer(t, http.StatusAccepted)

	batch := []queue.Claimed{
		{ID: 10, WebhookURL: slow.URL},
		{ID: 11, WebhookURL: broken.URL},
		{ID: 12, WebhookURL: ok.URL},
	}
	results := NewExecutor(Options{}).Dispatch(context.Background(), batch, 100*time.Millisecond)

	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, batch[i].ID, r.Event.ID, "results must be index-aligned")
	}
	assert.Equal(t, queue.OutcomeTimeout, results[0].Outcome)
	assert.Equal(t, queue.OutcomeError, results[1].Outcome)
	assert.Equal(t, queue.OutcomeDelivered, results[2].Outcome)
}

func TestDispatchMaxInFlight(t *testing.T) {
	t.Parallel()

	var (
		current atomic.Int32
		peak    atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	batch := make([]queue.Claimed, 8)
	for i := range batch {
		batch[i] = queue.Claimed{ID: int64(i + 1), WebhookURL: srv.URL}
	}

	results := NewExecutor(Options{MaxInFlight: 2}).Dispatch(context.Background(), batch, time.Second)
	require.Len(t, results, 8)
	for _, r := range results {
		assert.Equal(t, queue.OutcomeDelivered, r.Outcome)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

// Not parallel: the gauge is process-global.
func TestInFlightGaugeCountsRunningCallbacksOnly(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	batch := make([]queue.Claimed, 3)
	for i := range batch {
		batch[i] = queue.Claimed{ID: int64(i + 1), WebhookURL: srv.URL}
	}

	base := testutil.ToFloat64(telemetry.InFlight)
	done := make(chan []Result, 1)
	go func() {
		done <- NewExecutor(Options{MaxInFlight: 1}).Dispatch(context.Background(), batch, 5*time.Second)
	}()

	for range batch {
		select {
		case <-arrived:
		case <-time.After(5 * time.Second):
			t.Fatal("callback never arrived")
		}
		assert.Equal(t, 1.0, testutil.ToFloat64(telemetry.InFlight)-base)
		release <- struct{}{}
	}

	results := <-done
	require.Len(t, results, 3)
	assert.Equal(t, 0.0, testutil.ToFloat64(telemetry.InFlight)-base)
}

func TestDispatchEmptyBatch(t *testing.T) {
	t.Parallel()

	results := NewExecutor(Options{}).Dispatch(context.Background(), nil, time.Second)
	assert.Empty(t, results)
}
