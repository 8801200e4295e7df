// Package api exposes the REST interface for the compute token ledger:
// balance transfers, mint/burn, fixed-fee swaps against the reserve pool,
// price listing, and the administrative circuit breaker.
package api
