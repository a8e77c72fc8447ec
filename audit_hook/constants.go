package audithook

// Action constants for audit events.
const (
	// Account actions
	ActionAccountCreated = "account.created"

	// Lot actions
	ActionLotMinted = "lot.minted"

	// Reservation actions
	ActionReservationCreated   = "reservation.created"
	ActionReservationFinalized = "reservation.finalized"
	ActionReservationReleased  = "reservation.released"
	ActionReservationsExpired  = "reservation.expired"

	// Payout actions
	ActionPayoutTransitioned = "payout.transitioned"

	// Revenue actions
	ActionRuleActivated        = "rule.activated"
	ActionDistributionRecorded = "distribution.recorded"

	// Boundary actions
	ActionReportRejected = "report.rejected"
)

// Resource constants for audit events.
const (
	ResourceAccount      = "account"
	ResourceLot          = "lot"
	ResourceReservation  = "reservation"
	ResourcePayout       = "payout"
	ResourceRule         = "rule"
	ResourceDistribution = "distribution"
	ResourceReport       = "report"
)

// Category constants for audit events.
const (
	CategoryLedger   = "ledger"
	CategoryPayout   = "payout"
	CategoryRevenue  = "revenue"
	CategoryBoundary = "boundary"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
