package queue

import "time"

// RetryPolicy decides what happens to an event after a failed attempt.
type RetryPolicy struct {
	MaxRetries int
	// Backoff delays requeued events by Backoff * 2^retries. Zero requeues
	// them for the next tick.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Settle folds one attempt outcome into the next state of a claimed event.
// StatusCode and Error are left for the caller.
func Settle(c Claimed, o Outcome, p RetryPolicy, now time.Time) Settlement {
	s := Settlement{EventID: c.ID, Outcome: o}

	if o == OutcomeDelivered {
		s.Status = StatusDelivered
		return s
	}

	s.RetryIncrement = 1
	if c.Retries+1 > p.MaxRetries {
		s.Status = StatusFailed
		return s
	}

	s.Status = StatusPending
	if delay := p.delay(c.Retries); delay > 0 {
		next := now.Add(delay)
		s.ExecuteAt = &next
	}
	return s
}

func (p RetryPolicy) delay(retries int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	d := p.Backoff
	for range retries {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
		if d <= 0 {
			// overflow
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}
