package model

// CostQuote is the cost of a terminal event expressed in the base currency
// and converted to display denominations. It is derived, never persisted as
// authoritative state.
type CostQuote struct {
	// CostBase is the cost in the base currency, either reported by the
	// server or estimated from duration and resource class.
	CostBase float64
	// Estimated is true when CostBase was derived locally instead of taken
	// from an authoritative server value.
	Estimated bool
	// Denominations maps currency codes to the converted amounts.
	Denominations map[string]float64
}
