package fulfillment

// Policy collects the business rules inherited from the legacy system that
// were never written down. Each one is explicit and switchable here instead
// of being buried in a code path.
type Policy struct {
	// DispenseUnit requires item quantities to be an exact multiple of the
	// machines' dispensing unit. Values <= 1 disable the rule. The resolver
	// applies it after the raw availability check, reclassifying otherwise
	// available items as unavailable; checkout rejects violations outright.
	DispenseUnit int

	// LegacyHistoryFallback reads purchase items from the pre-migration
	// purchase_history table when a purchase has no item rows.
	LegacyHistoryFallback bool

	// LowStockPercent is the restock warning threshold, as a percentage of
	// the catalog's reference stock level.
	LowStockPercent int
}

// DefaultPolicy matches the legacy system's observed behavior.
func DefaultPolicy() Policy {
	return Policy{
		DispenseUnit:          10,
		LegacyHistoryFallback: true,
		LowStockPercent:       20,
	}
}

// QuantityDispensable reports whether qty satisfies the dispensing-unit
// rule.
func (p Policy) QuantityDispensable(qty int) bool {
	if p.DispenseUnit <= 1 {
		return true
	}
	return qty%p.DispenseUnit == 0
}
