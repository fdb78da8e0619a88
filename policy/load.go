/*
load.go - YAML policy file loader

FILE FORMAT (one file, three sections):

  charge_types:
    LAST_MILE_PARCEL:
      domain: logistics_transport
      cost_stage: outbound
      capitalizable: false
      default_basis: qty
      severity_if_missing: warn

  allocation:
    rounding:
      decimals: 0
    determinism:
      sort_keys: [period, charge_type, warehouse_id, channel_store_id, item_id, lot_id]
    charge_type_overrides:
      FREIGHT_INTL_SEA:
        basis_priority: [volume_cbm, weight, qty]
    default_basis_by_stage:
      outbound: [qty, weight]

  coverage:
    domains:
      fx_rate: {requirement: REQUIRED, min_rows: 1}
    close_period_enforcement:
      3pl_billing: REQUIRED

Unknown bases, unknown charge types in overrides, and malformed requirements
fail the load. The pipeline never starts on a half-valid policy.
*/
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlFile mirrors the on-disk layout before validation.
type yamlFile struct {
	ChargeTypes map[string]yamlChargeType `yaml:"charge_types"`
	Allocation  yamlAllocation            `yaml:"allocation"`
	Coverage    yamlCoverage              `yaml:"coverage"`
}

type yamlChargeType struct {
	Domain            string `yaml:"domain"`
	CostStage         string `yaml:"cost_stage"`
	Capitalizable     bool   `yaml:"capitalizable"`
	DefaultBasis      string `yaml:"default_basis"`
	SeverityIfMissing string `yaml:"severity_if_missing"`
}

type yamlAllocation struct {
	Rounding struct {
		Decimals int32 `yaml:"decimals"`
	} `yaml:"rounding"`
	Determinism struct {
		SortKeys []string `yaml:"sort_keys"`
	} `yaml:"determinism"`
	ChargeTypeOverrides map[string]struct {
		BasisPriority []string `yaml:"basis_priority"`
	} `yaml:"charge_type_overrides"`
	DefaultBasisByStage map[string][]string `yaml:"default_basis_by_stage"`
}

type yamlCoverage struct {
	Domains map[string]struct {
		Requirement string `yaml:"requirement"`
		MinRows     int64  `yaml:"min_rows"`
	} `yaml:"domains"`
	ClosePeriodEnforcement map[string]string `yaml:"close_period_enforcement"`
}

// Load reads and validates a policy file.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return FromYAML(data)
}

// FromYAML parses and validates policy YAML.
func FromYAML(data []byte) (*Set, error) {
	var raw yamlFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse policy yaml: %w", err)
	}

	set := &Set{
		ChargeTypes: make(map[string]ChargeTypePolicy, len(raw.ChargeTypes)),
		Allocation: AllocationRules{
			ChargeTypeOverrides: make(map[string][]Basis),
			DefaultBasisByStage: make(map[string][]Basis),
			RoundingDecimals:    raw.Allocation.Rounding.Decimals,
			SortKeys:            raw.Allocation.Determinism.SortKeys,
		},
		Coverage: CoverageRules{
			Domains:          make(map[string]DomainRule),
			CloseEnforcement: make(map[string]Requirement),
		},
	}

	for name, ct := range raw.ChargeTypes {
		severity := ct.SeverityIfMissing
		if severity == "" {
			severity = "warn"
		}
		set.ChargeTypes[name] = ChargeTypePolicy{
			Domain:            ct.Domain,
			CostStage:         ct.CostStage,
			Capitalizable:     ct.Capitalizable,
			DefaultBasis:      Basis(ct.DefaultBasis),
			SeverityIfMissing: severity,
		}
	}

	for name, override := range raw.Allocation.ChargeTypeOverrides {
		bases := make([]Basis, 0, len(override.BasisPriority))
		for _, b := range override.BasisPriority {
			bases = append(bases, Basis(b))
		}
		set.Allocation.ChargeTypeOverrides[name] = bases
	}

	for stage, rawBases := range raw.Allocation.DefaultBasisByStage {
		bases := make([]Basis, 0, len(rawBases))
		for _, b := range rawBases {
			bases = append(bases, Basis(b))
		}
		set.Allocation.DefaultBasisByStage[stage] = bases
	}

	for domain, rule := range raw.Coverage.Domains {
		minRows := rule.MinRows
		if minRows == 0 {
			minRows = 1
		}
		req := Requirement(rule.Requirement)
		if rule.Requirement == "" {
			req = Optional
		}
		set.Coverage.Domains[domain] = DomainRule{Requirement: req, MinRows: minRows}
	}

	for domain, req := range raw.Coverage.ClosePeriodEnforcement {
		set.Coverage.CloseEnforcement[domain] = Requirement(req)
	}

	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return set, nil
}
