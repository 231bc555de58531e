package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/callbackd/internal/log"
	"github.com/mattjoyce/callbackd/internal/queue"
	"github.com/mattjoyce/callbackd/internal/telemetry"
)

const defaultMaxResponseBytes = 64 * 1024

// Options configures an Executor. Zero values pick defaults.
type Options struct {
	Client           *http.Client
	MaxInFlight      int
	MaxResponseBytes int64
	UserAgent        string
	// SigningSecret, when set, adds SignatureHeader to every callback.
	SigningSecret string
}

// Executor performs webhook callbacks.
type Executor struct {
	client           *http.Client
	maxInFlight      int
	maxResponseBytes int64
	userAgent        string
	signingSecret    string
}

// Result is the settled state of one callback.
type Result struct {
	Event      queue.Claimed
	StatusCode int
	Err        error
	Outcome    queue.Outcome
	Elapsed    time.Duration
}

// Message describes a failed callback for the audit log. It is empty for
// delivered events.
func (r Result) Message() string {
	switch {
	case r.Outcome == queue.OutcomeDelivered:
		return ""
	case r.Err != nil:
		return r.Err.Error()
	default:
		return fmt.Sprintf("unexpected status %d", r.StatusCode)
	}
}

func NewExecutor(opts Options) *Executor {
	e := &Executor{
		client:           opts.Client,
		maxInFlight:      opts.MaxInFlight,
		maxResponseBytes: opts.MaxResponseBytes,
		userAgent:        opts.UserAgent,
		signingSecret:    opts.SigningSecret,
	}
	if e.client == nil {
		// A redirect is reported as its own status, never followed.
		e.client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if e.maxResponseBytes <= 0 {
		e.maxResponseBytes = defaultMaxResponseBytes
	}
	if e.userAgent == "" {
		e.userAgent = "callbackd"
	}
	return e
}

// Dispatch calls every event's webhook concurrently and returns once all
// calls have settled. results[i] belongs to batch[i].
func (e *Executor) Dispatch(ctx context.Context, batch []queue.Claimed, timeout time.Duration) []Result {
	results := make([]Result, len(batch))
	if len(batch) == 0 {
		return results
	}

	var g errgroup.Group
	if e.maxInFlight > 0 {
		g.SetLimit(e.maxInFlight)
	}
	for i, ev := range batch {
		g.Go(func() error {
			results[i] = e.call(ctx, ev, timeout)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

type callbackBody struct {
	Token string `json:"token"`
}

func (e *Executor) call(ctx context.Context, ev queue.Claimed, timeout time.Duration) Result {
	telemetry.InFlight.Inc()
	defer telemetry.InFlight.Dec()

	res := Result{Event: ev}
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res.StatusCode, res.Err = e.post(callCtx, ev)
	res.Elapsed = time.Since(start)
	res.Outcome = Classify(res.StatusCode, res.Err)

	log.WithEvent(ev.ID).Debug("Callback settled",
		"outcome", res.Outcome,
		"status_code", res.StatusCode,
		"elapsed_ms", res.Elapsed.Milliseconds(),
		"token_fp", log.TokenFingerprint(ev.WebhookAuth),
	)
	return res
}

func (e *Executor) post(ctx context.Context, ev queue.Claimed) (int, error) {
	body, err := json.Marshal(callbackBody{Token: ev.WebhookAuth})
	if err != nil {
		return 0, fmt.Errorf("encode callback body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ev.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.userAgent)
	if e.signingSecret != "" {
		req.Header.Set(SignatureHeader, Sign(body, e.signingSecret))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// Drain so the connection returns to the pool. A body that outlives the
	// deadline does not change a status we already have.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, e.maxResponseBytes))

	return resp.StatusCode, nil
}
