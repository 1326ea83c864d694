// Package nexbus is an in-process event bus with namespaced, dot-separated
// event patterns. Producers Emit events such as "orders.invoice.paid";
// consumers Subscribe to an exact pattern or to a trailing wildcard such as
// "orders.invoice.*", which matches exactly one more segment.
//
// A Bus moves through uninitialized, initializing, ready, shutting down and
// terminated. Init is safe to call concurrently and runs its work once.
// GracefulShutdown rejects new events and waits a bounded time for the
// events already being dispatched.
//
// Subscribe returns a *Subscription that owns the handler. The bus holds the
// handler weakly, so a subscriber that drops its handle without calling
// Unsubscribe is reclaimed after the next garbage collection. Pass
// WithRetain to keep a handler registered without holding the handle.
//
// Emit runs the payload through the sanitizer, optionally deduplicates it
// within a time window, optionally persists it to the configured EventStore
// (memory, SQLite or PostgreSQL) and fans it out to every matching
// subscription with bounded concurrency, per-handler timeouts, panic
// isolation and optional circuit breakers.
//
// # Factories
//
// A Factory creates and tracks several isolated buses in one process. Every
// instance gets its own storage namespace, pattern cache and subscriptions.
// Instances that enable cross-instance communication share an in-process
// watermill bridge. Factory.HTTPHandler serves an inspection API and the
// Prometheus metrics of all instances. GetOrCreateFactory and
// DestroyAllFactories manage a process-wide table of named factories.
//
// A minimal setup:
//
//	bus, err := nexbus.NewBus(nexbus.DefaultConfig(), logger, nexbus.BusDependencies{})
//	if err != nil { ... }
//	if err := bus.Init(ctx); err != nil { ... }
//	defer bus.GracefulShutdown(ctx)
//
//	sub, _ := bus.Subscribe("orders.created", nexbus.HandlerFunc(handle))
//	defer sub.Unsubscribe()
//	bus.Emit(ctx, "orders.created", order, nexbus.WithPersistence())
package nexbus
