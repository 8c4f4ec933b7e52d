// Package metric provides Prometheus metrics registration for askflow services.
//
// Each service process constructs one MetricsRegistry and passes it by
// reference into the transport adapter, worker pools, invoker, and responder.
// The registry pre-registers the core protocol metrics (envelope flow,
// invocation lifecycle, NATS connection health) and lets components register
// their own under a "service.metric" key, with duplicate registrations from
// shared collectors tolerated.
//
// The registry exposes an http.Handler for the hosting process to mount;
// askflow itself runs no HTTP server.
package metric
