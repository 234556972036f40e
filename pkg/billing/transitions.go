package billing

// validTransitions is the single source of truth for the lifecycle graph.
// A transition absent from this table is a no-op, never an error - that is
// what makes every transition function idempotent under duplicated and
// out-of-order webhook delivery.
//
//	TRIAL    -> ACTIVE    upgrade (manual, scanner, or payment_succeeded)
//	TRIAL    -> PAST_DUE  payment_failed
//	TRIAL    -> EXPIRED   trial elapses with no successful payment
//	ACTIVE   -> ACTIVE    renewal (period rolls forward)
//	ACTIVE   -> PAST_DUE  payment_failed
//	ACTIVE   -> CANCELLED immediate cancel or period end with cancel flag
//	PAST_DUE -> ACTIVE    payment_succeeded
//	PAST_DUE -> EXPIRED   subscription_deleted (gateway gave up retrying)
//
// EXPIRED and CANCELLED are terminal.
var validTransitions = map[Status]map[Status]bool{
	StatusTrialing: {
		StatusActive:  true,
		StatusPastDue: true,
		StatusExpired: true,
	},
	StatusActive: {
		StatusActive:    true,
		StatusPastDue:   true,
		StatusCancelled: true,
	},
	StatusPastDue: {
		StatusActive:  true,
		StatusExpired: true,
	},
}

// canTransition reports whether the lifecycle graph permits from -> to.
func canTransition(from, to Status) bool {
	return validTransitions[from][to]
}
