/*
Package runtime implements the nexbus event bus.

# Architecture Overview

A Bus delivers events published under a dotted pattern
("domain.entity.action") to every live subscription whose pattern matches.
Subscription patterns may end in a single "*" segment. Matching goes through
a per-bus pattern cache and a weak subscription registry, so handlers whose
Subscription handle is dropped are reclaimed by the garbage collector and
stop receiving events.

# Package Structure

## Bus (bus.go, subscription.go, options.go)

The Bus struct is the orchestrator of one instance. It wires together:
  - Pattern cache (patterncache/)
  - Subscription registry (registry/)
  - Secure processor with timeouts, panic isolation and circuit breakers (processing/)
  - Payload sanitizer (sanitize/)
  - Deduplication window (dedup/)
  - Optional event store (store/)
  - Optional cross-instance bridge (bridge/)

Lifecycle: Uninitialized -> Initializing -> Ready -> ShuttingDown -> Terminated.
Init is idempotent and safe for concurrent callers. GracefulShutdown drains
in-flight deliveries for at most Config.ShutdownTimeout.

## Metrics (bus_metrics.go, resources.go)

Per-bus counters, EWMA delivery latency, events-per-second and Prometheus
collectors. Resource usage is sampled from runtime/metrics.

## Factories (factory.go, factories.go, inspect.go)

A Factory creates isolated bus instances that share a namespace, a
Prometheus registry and a bridge. The process-wide FactoryRegistry hands out
factories by id. Factory.HTTPHandler exposes instances and metrics over
HTTP.

# Sub-packages

  - bridge/: In-process relay between instances of one factory
  - config/: Bus configuration, defaults, validation and file loading
  - dedup/: Time-windowed duplicate suppression
  - errors/: Sentinel errors and error types
  - event/: Event, Priority and Handler types
  - ids/: ULID event ids and UUID instance ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Event header utilities
  - pattern/: Pattern validation and matching
  - patterncache/: LRU cache of match results
  - processing/: Concurrent, isolated handler execution
  - registry/: Weak subscription registry
  - sanitize/: Payload cleaning and size limits
  - store/: Memory, SQLite and PostgreSQL event stores

# Usage Example

	bus, err := runtime.NewBus(config.Default(), logger, runtime.BusDependencies{})
	if err != nil {
		return err
	}
	if err := bus.Init(ctx); err != nil {
		return err
	}
	defer bus.GracefulShutdown(ctx)

	sub, err := bus.Subscribe("orders.order.*", handler)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	_, err = bus.Emit(ctx, "orders.order.created", payload, runtime.WithPersistence())
*/
package runtime
