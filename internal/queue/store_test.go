package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/callbackd/internal/config"
)

// backend is a Store plus the raw hooks the tests need to arrange rows the
// public API cannot produce directly.
type backend struct {
	store      Store
	setRetries func(t *testing.T, id int64, retries int)
	putConfig  func(t *testing.T, baseIntervalMs, selectSize, maxRetries, callbackTimeoutMs int64)
}

type storeCase struct {
	name string
	fn   func(t *testing.T, b backend)
}

var storeCases = []storeCase{
	{"ClaimOrdering", testClaimOrdering},
	{"ClaimBatchSize", testClaimBatchSize},
	{"ClaimEligibility", testClaimEligibility},
	{"ClaimZeroBatchIsNoop", testClaimZeroBatch},
	{"TerminalEventsNeverReclaimed", testTerminality},
	{"RecordSettlements", testRecordSettlements},
	{"RecordGuardsForeignClaims", testRecordGuard},
	{"RecordEmptyIsNoop", testRecordEmpty},
	{"RecordReschedules", testRecordReschedules},
	{"ReapStale", testReapStale},
	{"LoadWorkerConfig", testLoadWorkerConfig},
	{"StatsAndLookups", testStatsAndLookups},
	{"ConcurrentClaimsAreExclusive", testConcurrentExclusivity},
}

func enqueueAt(t *testing.T, s Store, url string, at time.Time) int64 {
	t.Helper()
	id, err := s.Enqueue(context.Background(), EnqueueRequest{WebhookURL: url, WebhookAuth: "tok-" + url, ExecuteAt: at})
	if err != nil {
		t.Fatalf("Enqueue %s: %v", url, err)
	}
	return id
}

func claimIDs(batch []Claimed) []int64 {
	ids := make([]int64, len(batch))
	for i, c := range batch {
		ids[i] = c.ID
	}
	return ids
}

func mustGet(t *testing.T, s Store, id int64) *Event {
	t.Helper()
	e, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %d: %v", id, err)
	}
	return e
}

func testClaimOrdering(t *testing.T, b backend) {
	ctx := context.Background()
	now := time.Now()

	a := enqueueAt(t, b.store, "https://a.example/cb", now.Add(-3*time.Minute))
	bb := enqueueAt(t, b.store, "https://b.example/cb", now.Add(-2*time.Minute))
	c := enqueueAt(t, b.store, "https://c.example/cb", now.Add(-1*time.Minute))
	d := enqueueAt(t, b.store, "https://d.example/cb", now.Add(-4*time.Minute))
	b.setRetries(t, a, 2)
	b.setRetries(t, c, 1)

	batch, err := b.store.Claim(ctx, "p1", 5, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	got := claimIDs(batch)
	want := []int64{a, c, d, bb}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("claim order = %v, want %v", got, want)
	}
	if batch[0].Retries != 2 || batch[0].WebhookAuth != "tok-https://a.example/cb" {
		t.Fatalf("unexpected claimed projection: %#v", batch[0])
	}
}

func testClaimBatchSize(t *testing.T, b backend) {
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	for i := range 5 {
		enqueueAt(t, b.store, fmt.Sprintf("https://e%d.example/cb", i), past)
	}

	for _, want := range []int{2, 2, 1, 0} {
		batch, err := b.store.Claim(ctx, "p1", 5, 2)
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if len(batch) != want {
			t.Fatalf("claimed %d, want %d", len(batch), want)
		}
	}
}

func testClaimEligibility(t *testing.T, b backend) {
	ctx := context.Background()
	now := time.Now()

	future := enqueueAt(t, b.store, "https://future.example/cb", now.Add(time.Hour))
	atLimit := enqueueAt(t, b.store, "https://limit.example/cb", now.Add(-time.Minute))
	overLimit := enqueueAt(t, b.store, "https://over.example/cb", now.Add(-time.Minute))
	b.setRetries(t, atLimit, 5)
	b.setRetries(t, overLimit, 6)

	batch, err := b.store.Claim(ctx, "p1", 5, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got := claimIDs(batch); len(got) != 1 || got[0] != atLimit {
		t.Fatalf("claimed %v, want [%d]", got, atLimit)
	}

	e := mustGet(t, b.store, atLimit)
	if e.Status != StatusHandling || e.ClaimedBy == nil || *e.ClaimedBy != "p1" || e.ClaimedAt == nil {
		t.Fatalf("claimed event not stamped: %#v", e)
	}
	if e := mustGet(t, b.store, future); e.Status != StatusPending {
		t.Fatalf("future event status = %s", e.Status)
	}
	if e := mustGet(t, b.store, overLimit); e.Status != StatusPending {
		t.Fatalf("exhausted event status = %s", e.Status)
	}

	again, err := b.store.Claim(ctx, "p2", 5, 10)
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("handling event claimed twice: %v", claimIDs(again))
	}
}

func testClaimZeroBatch(t *testing.T, b backend) {
	id := enqueueAt(t, b.store, "https://z.example/cb", time.Now().Add(-time.Minute))

	batch, err := b.store.Claim(context.Background(), "p1", 5, 0)
	if err != nil || batch != nil {
		t.Fatalf("Claim(batch=0) = %v, %v", batch, err)
	}
	if e := mustGet(t, b.store, id); e.Status != StatusPending {
		t.Fatalf("status = %s, want pending", e.Status)
	}
}

func testTerminality(t *testing.T, b backend) {
	ctx := context.Background()
	delivered := enqueueAt(t, b.store, "https://ok.example/cb", time.Now().Add(-time.Minute))
	failed := enqueueAt(t, b.store, "https://bad.example/cb", time.Now().Add(-time.Minute))
	b.setRetries(t, failed, 5)

	batch, err := b.store.Claim(ctx, "p1", 5, 10)
	if err != nil || len(batch) != 2 {
		t.Fatalf("Claim = %v, %v", batch, err)
	}
	policy := RetryPolicy{MaxRetries: 5}
	var settlements []Settlement
	for _, c := range batch {
		o := OutcomeDelivered
		if c.ID == failed {
			o = OutcomeError
		}
		settlements = append(settlements, Settle(c, o, policy, time.Now()))
	}
	if _, err := b.store.Record(ctx, "p1", settlements); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if e := mustGet(t, b.store, delivered); e.Status != StatusDelivered {
		t.Fatalf("status = %s, want delivered", e.Status)
	}
	if e := mustGet(t, b.store, failed); e.Status != StatusFailed || e.Retries != 6 {
		t.Fatalf("exhausted event = %s/%d, want failed/6", e.Status, e.Retries)
	}

	for range 3 {
		batch, err := b.store.Claim(ctx, "p2", 100, 10)
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if len(batch) != 0 {
			t.Fatalf("terminal event reclaimed: %v", claimIDs(batch))
		}
	}
}

func testRecordSettlements(t *testing.T, b backend) {
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	ok := enqueueAt(t, b.store, "https://ok.example/cb", past)
	bad := enqueueAt(t, b.store, "https://bad.example/cb", past)
	slow := enqueueAt(t, b.store, "https://slow.example/cb", past)

	batch, err := b.store.Claim(ctx, "p1", 5, 10)
	if err != nil || len(batch) != 3 {
		t.Fatalf("Claim = %v, %v", batch, err)
	}

	settlements := []Settlement{
		{EventID: ok, Outcome: OutcomeDelivered, Status: StatusDelivered, StatusCode: 202},
		{EventID: bad, Outcome: OutcomeError, Status: StatusPending, RetryIncrement: 1, StatusCode: 500, Error: "unexpected status 500"},
		{EventID: slow, Outcome: OutcomeTimeout, Status: StatusPending, RetryIncrement: 1, Error: "context deadline exceeded"},
	}
	updated, err := b.store.Record(ctx, "p1", settlements)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if updated != 3 {
		t.Fatalf("updated = %d, want 3", updated)
	}

	e := mustGet(t, b.store, ok)
	if e.Status != StatusDelivered || e.Retries != 0 || e.ClaimedBy != nil || e.ClaimedAt != nil {
		t.Fatalf("delivered event = %#v", e)
	}
	e = mustGet(t, b.store, bad)
	if e.Status != StatusPending || e.Retries != 1 {
		t.Fatalf("errored event = %s/%d, want pending/1", e.Status, e.Retries)
	}
	if e.ExecuteAt.Sub(past).Abs() > time.Millisecond {
		t.Fatalf("execute_at moved without backoff: %s vs %s", e.ExecuteAt, past)
	}

	logs, err := b.store.Logs(ctx, bad)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("log rows = %d, want 1", len(logs))
	}
	l := logs[0]
	if l.ProcessID != "p1" || l.Outcome != OutcomeError || l.StatusCode == nil || *l.StatusCode != 500 || l.Error == nil {
		t.Fatalf("unexpected log entry: %#v", l)
	}

	logs, err = b.store.Logs(ctx, slow)
	if err != nil || len(logs) != 1 {
		t.Fatalf("Logs(slow) = %v, %v", logs, err)
	}
	if logs[0].Outcome != OutcomeTimeout || logs[0].StatusCode != nil {
		t.Fatalf("unexpected timeout log entry: %#v", logs[0])
	}

	// The requeued events are claimable again, most retried first.
	again, err := b.store.Claim(ctx, "p2", 5, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(again) != 2 {
		t.Fatalf("reclaimed %v, want 2 events", claimIDs(again))
	}
}

func testRecordGuard(t *testing.T, b backend) {
	ctx := context.Background()
	id := enqueueAt(t, b.store, "https://g.example/cb", time.Now().Add(-time.Minute))

	if _, err := b.store.Claim(ctx, "owner", 5, 10); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	updated, err := b.store.Record(ctx, "intruder", []Settlement{
		{EventID: id, Outcome: OutcomeDelivered, Status: StatusDelivered, StatusCode: 200},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if updated != 0 {
		t.Fatalf("foreign claim updated %d rows", updated)
	}
	e := mustGet(t, b.store, id)
	if e.Status != StatusHandling || e.ClaimedBy == nil || *e.ClaimedBy != "owner" {
		t.Fatalf("foreign claim clobbered: %#v", e)
	}

	// The attempt still happened, so it is audited.
	logs, err := b.store.Logs(ctx, id)
	if err != nil || len(logs) != 1 || logs[0].ProcessID != "intruder" {
		t.Fatalf("Logs = %v, %v", logs, err)
	}
}

func testRecordEmpty(t *testing.T, b backend) {
	updated, err := b.store.Record(context.Background(), "p1", nil)
	if err != nil || updated != 0 {
		t.Fatalf("Record(nil) = %d, %v", updated, err)
	}
}

func testRecordReschedules(t *testing.T, b backend) {
	ctx := context.Background()
	id := enqueueAt(t, b.store, "https://later.example/cb", time.Now().Add(-time.Minute))

	batch, err := b.store.Claim(ctx, "p1", 5, 10)
	if err != nil || len(batch) != 1 {
		t.Fatalf("Claim = %v, %v", batch, err)
	}
	s := Settle(batch[0], OutcomeError, RetryPolicy{MaxRetries: 5, Backoff: time.Hour, MaxBackoff: 2 * time.Hour}, time.Now())
	if _, err := b.store.Record(ctx, "p1", []Settlement{s}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	e := mustGet(t, b.store, id)
	if e.Status != StatusPending || e.ExecuteAt.Before(time.Now().Add(59*time.Minute)) {
		t.Fatalf("event not rescheduled: %s at %s", e.Status, e.ExecuteAt)
	}
	again, err := b.store.Claim(ctx, "p1", 5, 10)
	if err != nil || len(again) != 0 {
		t.Fatalf("rescheduled event claimed early: %v, %v", claimIDs(again), err)
	}
}

func testReapStale(t *testing.T, b backend) {
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	fresh := enqueueAt(t, b.store, "https://fresh.example/cb", past)
	spent := enqueueAt(t, b.store, "https://spent.example/cb", past)
	idle := enqueueAt(t, b.store, "https://idle.example/cb", time.Now().Add(time.Hour))
	b.setRetries(t, spent, 2)

	if _, err := b.store.Claim(ctx, "crashed", 2, 10); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	n, err := b.store.ReapStale(ctx, time.Hour, 2)
	if err != nil || n != 0 {
		t.Fatalf("ReapStale(grace=1h) = %d, %v", n, err)
	}

	n, err = b.store.ReapStale(ctx, -time.Minute, 2)
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if n != 2 {
		t.Fatalf("reaped %d, want 2", n)
	}

	if e := mustGet(t, b.store, fresh); e.Status != StatusPending || e.Retries != 1 || e.ClaimedBy != nil {
		t.Fatalf("reaped event = %#v", e)
	}
	if e := mustGet(t, b.store, spent); e.Status != StatusFailed || e.Retries != 3 {
		t.Fatalf("exhausted reaped event = %s/%d, want failed/3", e.Status, e.Retries)
	}
	if e := mustGet(t, b.store, idle); e.Status != StatusPending || e.Retries != 0 {
		t.Fatalf("unclaimed event touched: %#v", e)
	}
}

func testLoadWorkerConfig(t *testing.T, b backend) {
	ctx := context.Background()

	_, found, err := b.store.LoadWorkerConfig(ctx)
	if err != nil || found {
		t.Fatalf("LoadWorkerConfig on empty table = found %v, err %v", found, err)
	}

	b.putConfig(t, 2500, 50, 3, 1500)
	wc, found, err := b.store.LoadWorkerConfig(ctx)
	if err != nil || !found {
		t.Fatalf("LoadWorkerConfig = found %v, err %v", found, err)
	}
	want := config.WorkerConfig{
		BatchSize:       50,
		TickInterval:    2500 * time.Millisecond,
		CallbackTimeout: 1500 * time.Millisecond,
		MaxRetries:      3,
	}
	if wc != want {
		t.Fatalf("LoadWorkerConfig = %+v, want %+v", wc, want)
	}
}

func testStatsAndLookups(t *testing.T, b backend) {
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	enqueueAt(t, b.store, "https://s1.example/cb", past)
	enqueueAt(t, b.store, "https://s2.example/cb", past)
	enqueueAt(t, b.store, "https://s3.example/cb", time.Now().Add(time.Hour))

	if _, err := b.store.Claim(ctx, "p1", 5, 1); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	counts, err := b.store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if counts[StatusPending] != 2 || counts[StatusHandling] != 1 || counts[StatusDelivered] != 0 {
		t.Fatalf("unexpected counts: %v", counts)
	}

	if _, err := b.store.Get(ctx, 999999); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("Get(missing) err = %v, want ErrEventNotFound", err)
	}
	for _, bad := range []string{"", "not a url", "ftp://files.example/x", "/relative/path"} {
		if _, err := b.store.Enqueue(ctx, EnqueueRequest{WebhookURL: bad}); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("Enqueue(%q) err = %v, want ErrInvalidEvent", bad, err)
		}
	}
}

func testConcurrentExclusivity(t *testing.T, b backend) {
	const (
		events  = 120
		workers = 6
	)
	past := time.Now().Add(-time.Minute)
	for i := range events {
		enqueueAt(t, b.store, fmt.Sprintf("https://x%d.example/cb", i), past)
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]string)
		dups []int64
		wg   sync.WaitGroup
		errs = make(chan error, workers)
	)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pid := fmt.Sprintf("p%d", w)
			for {
				batch, err := b.store.Claim(context.Background(), pid, 5, 7)
				if err != nil {
					errs <- err
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, c := range batch {
					if _, ok := seen[c.ID]; ok {
						dups = append(dups, c.ID)
					}
					seen[c.ID] = pid
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("Claim: %v", err)
	}
	if len(dups) > 0 {
		t.Fatalf("events claimed more than once: %v", dups)
	}
	if len(seen) != events {
		t.Fatalf("claimed %d distinct events, want %d", len(seen), events)
	}
}
