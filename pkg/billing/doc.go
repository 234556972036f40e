// Package billing implements the subscription lifecycle for the journaling
// app: trial creation, access checks, trial-to-paid conversion, cancellation,
// webhook-driven reconciliation, and trial expiry reminders.
//
// The package is organized around a small set of collaborators:
//
//   - Registry: the immutable plan catalog, built once at startup.
//   - Store: persistence for users and subscriptions (MemoryStore for tests
//     and development, PostgresStore for production).
//   - PaymentGateway: the external billing provider (PaddleGateway, or
//     StubGateway when no real gateway is configured).
//   - Notifier: templated message delivery (PostmarkNotifier, LogNotifier).
//   - Service: the state machine. Every subscription mutation goes through
//     it, under the store's per-subscription lock.
//   - Reconciler: verifies, deduplicates, and applies gateway webhooks.
//   - ExpiryScanner: the periodic job that reminds and settles ending trials.
//
// Typical wiring:
//
//	registry := billing.MustNewRegistry(billing.DefaultPlans())
//	store := billing.NewMemoryStore()
//	gateway := billing.NewStubGateway(secret)
//	svc := billing.NewService(registry, store, gateway, notifier,
//		billing.WithLogger(logger),
//	)
//
//	reconciler := billing.NewReconciler(gateway, billing.NewMemoryEventLog(0), svc, logger)
//	scanner := billing.NewExpiryScanner(store, svc, notifier, logger)
//	go scanner.Start(ctx)
//
// State transitions are strictly forward along the lifecycle graph; an
// operation that is not valid for the subscription's current state is a
// logged no-op returning the current record, never an error. That single
// rule is what makes webhook redelivery, overlapping scanner runs, and
// user double-clicks all safe.
package billing
