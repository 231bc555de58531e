// Package dispatch delivers claimed events to their webhook endpoints.
//
// An Executor sends one POST per event with the JSON body {"token": <webhook
// auth>} and waits for every call in the batch to settle before returning.
// Calls are independent: a slow or failing endpoint never affects its
// siblings.
//
// Key features:
//   - Parallel fan-out per batch, optionally capped by MaxInFlight
//   - Per-call timeout via context.WithTimeout
//   - Response bodies drained up to MaxResponseBytes so connections are reused
//   - Results index-aligned with the input batch
//   - Optional HMAC-SHA256 body signature in X-Callbackd-Signature
//
// Outcome classification (Classify):
//   - 200, 202, 204 → delivered
//   - per-call deadline exceeded → timeout
//   - any other status or transport error → error
package dispatch
