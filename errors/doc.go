// Package errors provides standardized error handling for askflow.
//
// # Error Classification
//
// Errors fall into three classes that determine handling:
//
//   - Transient: may be retried with backoff (timeouts, transport failures)
//   - Invalid: never retried, the input itself is wrong (validation,
//     checksum mismatches, malformed envelopes)
//   - Fatal: surfaced to the caller without automatic retry (remote
//     analysis failures, exhausted retries)
//
// This mirrors the protocol's error table: the transport adapter retries
// transient errors transparently, the invoker retries timeouts with fresh
// correlation IDs, and invalid/fatal errors are surfaced immediately.
//
// # Usage
//
// Wrap errors at package boundaries with context:
//
//	return errors.WrapTransient(err, "Adapter", "Publish", "publish envelope")
//
// Check classification at decision points:
//
//	if errors.IsTransient(err) {
//	    // schedule retry
//	}
//
// # RemoteError
//
// RemoteError carries a structured {kind, message, detail} failure across
// the bus inside exception envelopes, preserving what the remote analysis
// actually raised.
package errors
