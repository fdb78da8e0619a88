package policy

// Default returns the built-in policy set used by --init when no policy file
// is supplied. The taxonomy matches the charge vocabulary of the upstream
// invoice feeds; coverage domains fx_rate, revenue_settlement, and
// cost_structure are table-backed rather than charge-backed.
func Default() *Set {
	set := &Set{
		ChargeTypes: map[string]ChargeTypePolicy{
			// logistics_transport
			"LAST_MILE_PARCEL":  {Domain: "logistics_transport", CostStage: "outbound", DefaultBasis: BasisQty, SeverityIfMissing: "warn"},
			"DOMESTIC_TRUCKING": {Domain: "logistics_transport", CostStage: "outbound", DefaultBasis: BasisWeight, SeverityIfMissing: "warn"},
			"FREIGHT_INTL_SEA":  {Domain: "logistics_transport", CostStage: "inbound", Capitalizable: true, DefaultBasis: BasisVolumeCBM, SeverityIfMissing: "critical"},
			"FREIGHT_INTL_AIR":  {Domain: "logistics_transport", CostStage: "inbound", Capitalizable: true, DefaultBasis: BasisWeight, SeverityIfMissing: "critical"},
			"PORT_TERMINAL_FEE": {Domain: "logistics_transport", CostStage: "inbound", Capitalizable: true, DefaultBasis: BasisVolumeCBM, SeverityIfMissing: "warn"},
			"FORWARDER_FEE":     {Domain: "logistics_transport", CostStage: "inbound", Capitalizable: true, DefaultBasis: BasisValue, SeverityIfMissing: "warn"},
			"CARGO_INSURANCE":   {Domain: "logistics_transport", CostStage: "inbound", Capitalizable: true, DefaultBasis: BasisValue, SeverityIfMissing: "warn"},

			// customs
			"CUSTOMS_DUTY": {Domain: "customs", CostStage: "inbound", Capitalizable: true, DefaultBasis: BasisValue, SeverityIfMissing: "critical"},
			"CUSTOMS_VAT":  {Domain: "customs", CostStage: "inbound", DefaultBasis: BasisValue, SeverityIfMissing: "warn"},
			"BROKER_FEE":   {Domain: "customs", CostStage: "inbound", DefaultBasis: BasisLineCount, SeverityIfMissing: "warn"},

			// 3pl_billing
			"3PL_STORAGE_FEE":           {Domain: "3pl_billing", CostStage: "storage", DefaultBasis: BasisOnhandCBM, SeverityIfMissing: "warn"},
			"3PL_PICK_PACK_FEE":         {Domain: "3pl_billing", CostStage: "outbound", DefaultBasis: BasisLineCount, SeverityIfMissing: "warn"},
			"3PL_HANDLING_FEE":          {Domain: "3pl_billing", CostStage: "outbound", DefaultBasis: BasisQty, SeverityIfMissing: "warn"},
			"3PL_RETURN_PROCESSING_FEE": {Domain: "3pl_billing", CostStage: "outbound", DefaultBasis: BasisQty, SeverityIfMissing: "warn"},
			"DISPOSAL_FEE":              {Domain: "3pl_billing", CostStage: "storage", DefaultBasis: BasisQty, SeverityIfMissing: "warn"},
		},
		Allocation: AllocationRules{
			ChargeTypeOverrides: map[string][]Basis{
				"FREIGHT_INTL_SEA": {BasisVolumeCBM, BasisWeight, BasisQty},
				"FREIGHT_INTL_AIR": {BasisWeight, BasisQty},
				"3PL_STORAGE_FEE":  {BasisOnhandCBM, BasisOnhandQty, BasisQty},
			},
			DefaultBasisByStage: map[string][]Basis{
				"inbound":  {BasisValue, BasisWeight, BasisQty},
				"outbound": {BasisQty, BasisWeight},
				"storage":  {BasisOnhandCBM, BasisQty},
			},
			RoundingDecimals: 0,
			SortKeys:         defaultSortKeys,
		},
		Coverage: CoverageRules{
			Domains: map[string]DomainRule{
				"fx_rate":             {Requirement: Required, MinRows: 1},
				"revenue_settlement":  {Requirement: Required, MinRows: 1},
				"cost_structure":      {Requirement: Required, MinRows: 1},
				"logistics_transport": {Requirement: Optional, MinRows: 1},
				"customs":             {Requirement: Optional, MinRows: 1},
				"3pl_billing":         {Requirement: Optional, MinRows: 1},
			},
			// Domains that may lag while a period is open but must be
			// complete before the period closes.
			CloseEnforcement: map[string]Requirement{
				"logistics_transport": Required,
				"customs":             Required,
				"3pl_billing":         Required,
			},
		},
	}

	if err := set.Validate(); err != nil {
		// The built-in set is covered by tests; an invalid default is a
		// programming error, not a runtime condition.
		panic(err)
	}
	return set
}
