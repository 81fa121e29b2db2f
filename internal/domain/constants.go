package domain

// Claim outcomes recorded against an applied event id. OutcomeReplaying marks a
// failed event a replay job owns. OutcomeUnknown marks a credit whose commit result
// was lost; it is never replayed. OutcomeRejected marks a credit refused because the
// balance would leave the storable range.
const (
	OutcomeClaimed   = "claimed"
	OutcomeApplied   = "applied"
	OutcomeOrphaned  = "orphaned"
	OutcomeFailed    = "failed"
	OutcomeReplaying = "replaying"
	OutcomeUnknown   = "unknown"
	OutcomeRejected  = "rejected"
)

// Ingestion results reported to metrics.
const (
	IngestApplied   = "applied"
	IngestDuplicate = "duplicate"
	IngestOrphaned  = "orphaned"
	IngestInvalid   = "invalid"
	IngestFailed    = "failed"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// CoinCurrency is the code for amounts already denominated in coins.
const CoinCurrency = "COIN"
