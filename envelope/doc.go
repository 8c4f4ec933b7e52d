// Package envelope defines the askflow wire protocol: a tagged variant over
// {question, log_record, monitor_message, result, exception, heartbeat}
// with correlation IDs, per-sender ordering numbers, and a JSON codec.
//
// # Wire shape
//
//	{
//	  "type": "log_record",
//	  "correlation_id": "2f1f...",
//	  "ordering_number": 3,
//	  "sender_role": "child",
//	  "protocol_version": "1.0",
//	  "payload": {"level": "INFO", "message": "...", "timestamp": "..."}
//	}
//
// # Invariants
//
// Ordering numbers strictly increase per (correlation_id, sender_role); the
// Sequencer issues them and refuses to wrap a second terminal payload for
// the same correlation ID. Decoding rejects unrecognized variant tags and
// absent or ill-typed required fields with errors.ErrMalformedMessage.
//
// # Chunking
//
// Oversized log_record and monitor_message payloads are split into
// continuation chunks with consecutive ordering numbers; the Reassembler
// merges chunks back before the message reaches the caller. Other kinds
// must fit within the codec's payload limit.
package envelope
