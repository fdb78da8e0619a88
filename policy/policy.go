/*
Package policy holds the validated configuration that drives the pipeline.

PURPOSE:
  Everything rule-like in the system lives here as data, not code:
  - charge type taxonomy (charge_type -> domain, cost stage, default basis)
  - allocation basis priority lists (per charge type, per cost stage)
  - coverage requirements (REQUIRED/OPTIONAL per domain, open vs closed)
  - rounding precision and determinism sort keys

DESIGN PRINCIPLES:
  1. Closed vocabulary: allocation bases are a compile-time enumeration.
     Config referencing an unknown basis is rejected at load time, never
     deep inside a mart build.
  2. Immutability: a Set is validated once on construction and never
     mutated afterwards.
  3. Table-driven: adding a charge type to the config automatically
     enrolls it in allocation and coverage. No code change required.

SEE ALSO:
  - load.go:     YAML -> Set
  - defaults.go: built-in taxonomy used by --init when no file is given
*/
package policy

import (
	"fmt"
	"sort"
)

// =============================================================================
// ALLOCATION BASES - closed enumeration
// =============================================================================

// Basis is the quantity a charge is split proportionally to.
type Basis string

const (
	BasisQty        Basis = "qty"
	BasisWeight     Basis = "weight"
	BasisVolumeCBM  Basis = "volume_cbm"
	BasisValue      Basis = "value"
	BasisRevenue    Basis = "revenue"
	BasisOrderCount Basis = "order_count"
	BasisLineCount  Basis = "line_count"
	BasisOnhandQty  Basis = "onhand_qty_days"
	BasisOnhandCBM  Basis = "onhand_cbm_days"
)

// SupportedBases is the full closed vocabulary. Config validation rejects
// anything outside this set.
var SupportedBases = map[Basis]bool{
	BasisQty:        true,
	BasisWeight:     true,
	BasisVolumeCBM:  true,
	BasisValue:      true,
	BasisRevenue:    true,
	BasisOrderCount: true,
	BasisLineCount:  true,
	BasisOnhandQty:  true,
	BasisOnhandCBM:  true,
}

// =============================================================================
// REQUIREMENT / SEVERITY
// =============================================================================

type Requirement string

const (
	Required Requirement = "REQUIRED"
	Optional Requirement = "OPTIONAL"
)

// =============================================================================
// CHARGE TYPES
// =============================================================================

// ChargeTypePolicy maps one invoice charge type onto the cost model.
type ChargeTypePolicy struct {
	Domain            string // coverage domain, e.g. "logistics_transport"
	CostStage         string // e.g. "inbound", "outbound", "storage"
	Capitalizable     bool
	DefaultBasis      Basis
	SeverityIfMissing string // "warn" or "critical"
}

// =============================================================================
// ALLOCATION RULES
// =============================================================================

// AllocationRules configures basis resolution, rounding, and determinism.
type AllocationRules struct {
	// ChargeTypeOverrides wins over stage defaults. First usable basis in
	// the list is taken.
	ChargeTypeOverrides map[string][]Basis

	// DefaultBasisByStage applies when a charge type has no override.
	DefaultBasisByStage map[string][]Basis

	// RoundingDecimals is the precision at which conservation must hold
	// exactly. 0 means whole currency units (KRW has no minor unit).
	RoundingDecimals int32

	// SortKeys order targets before allocation so remainder tie-breaks are
	// reproducible across runs.
	SortKeys []string
}

// =============================================================================
// COVERAGE RULES
// =============================================================================

// DomainRule declares how complete a domain's data must be per period.
type DomainRule struct {
	Requirement Requirement
	MinRows     int64
}

// CoverageRules configures the coverage engine. CloseEnforcement overrides
// the open-period requirement once a period is closed: a domain may be
// OPTIONAL while the books are open but REQUIRED at close.
type CoverageRules struct {
	Domains          map[string]DomainRule
	CloseEnforcement map[string]Requirement
}

// =============================================================================
// SET - the validated bundle
// =============================================================================

// Set is the complete, validated policy configuration. Construct through
// Load, FromYAML, or Default; all three run Validate.
type Set struct {
	ChargeTypes map[string]ChargeTypePolicy
	Allocation  AllocationRules
	Coverage    CoverageRules
}

// defaultSortKeys is used when the config omits determinism.sort_keys.
var defaultSortKeys = []string{
	"period", "charge_type", "warehouse_id", "channel_store_id", "item_id", "lot_id",
}

// ChargeType returns the policy for a charge type, or an error for an
// unknown one. Unknown charge types are a config/data mismatch, not a
// silent skip.
func (s *Set) ChargeType(name string) (ChargeTypePolicy, error) {
	ct, ok := s.ChargeTypes[name]
	if !ok {
		return ChargeTypePolicy{}, fmt.Errorf("unknown charge type %q", name)
	}
	return ct, nil
}

// BasisPriority resolves the ordered basis list for a charge type:
// explicit override > cost-stage default > the type's single default basis.
func (s *Set) BasisPriority(chargeType string) ([]Basis, error) {
	if bases, ok := s.Allocation.ChargeTypeOverrides[chargeType]; ok {
		return bases, nil
	}
	ct, err := s.ChargeType(chargeType)
	if err != nil {
		return nil, err
	}
	if bases, ok := s.Allocation.DefaultBasisByStage[ct.CostStage]; ok {
		return bases, nil
	}
	return []Basis{ct.DefaultBasis}, nil
}

// SortKeys returns the determinism sort key order.
func (s *Set) SortKeys() []string {
	if len(s.Allocation.SortKeys) == 0 {
		return defaultSortKeys
	}
	return s.Allocation.SortKeys
}

// IsDomainRequired reports whether a coverage domain is REQUIRED for a
// period, taking closed-period enforcement into account.
func (s *Set) IsDomainRequired(domain string, closed bool) bool {
	if closed {
		if req, ok := s.Coverage.CloseEnforcement[domain]; ok {
			return req == Required
		}
	}
	rule, ok := s.Coverage.Domains[domain]
	if !ok {
		return false
	}
	return rule.Requirement == Required
}

// ChargeTypesForDomain inverts the charge_type -> domain mapping. The
// coverage engine uses this to count charge rows per domain without a
// hardcoded list.
func (s *Set) ChargeTypesForDomain(domain string) []string {
	var types []string
	for name, ct := range s.ChargeTypes {
		if ct.Domain == domain {
			types = append(types, name)
		}
	}
	sort.Strings(types)
	return types
}

// CoverageDomains returns all configured domain names, sorted.
func (s *Set) CoverageDomains() []string {
	names := make([]string, 0, len(s.Coverage.Domains))
	for name := range s.Coverage.Domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate cross-checks the whole Set against the closed basis vocabulary
// and internal references. Called by every constructor; callers building a
// Set by hand should call it themselves.
func (s *Set) Validate() error {
	for name, ct := range s.ChargeTypes {
		if !SupportedBases[ct.DefaultBasis] {
			return fmt.Errorf("charge type %q: unsupported default basis %q", name, ct.DefaultBasis)
		}
		if ct.Domain == "" {
			return fmt.Errorf("charge type %q: empty domain", name)
		}
		if ct.CostStage == "" {
			return fmt.Errorf("charge type %q: empty cost stage", name)
		}
	}

	for name, bases := range s.Allocation.ChargeTypeOverrides {
		if _, ok := s.ChargeTypes[name]; !ok {
			return fmt.Errorf("allocation override references unknown charge type %q", name)
		}
		if len(bases) == 0 {
			return fmt.Errorf("allocation override for %q has empty basis priority", name)
		}
		for _, b := range bases {
			if !SupportedBases[b] {
				return fmt.Errorf("allocation override for %q: unsupported basis %q", name, b)
			}
		}
	}

	for stage, bases := range s.Allocation.DefaultBasisByStage {
		for _, b := range bases {
			if !SupportedBases[b] {
				return fmt.Errorf("default_basis_by_stage[%s]: unsupported basis %q", stage, b)
			}
		}
	}

	if s.Allocation.RoundingDecimals < 0 || s.Allocation.RoundingDecimals > 6 {
		return fmt.Errorf("rounding decimals %d out of range [0,6]", s.Allocation.RoundingDecimals)
	}

	for domain, req := range s.Coverage.CloseEnforcement {
		if _, ok := s.Coverage.Domains[domain]; !ok {
			return fmt.Errorf("close enforcement references unknown coverage domain %q", domain)
		}
		if req != Required && req != Optional {
			return fmt.Errorf("close enforcement for %q: invalid requirement %q", domain, req)
		}
	}

	for domain, rule := range s.Coverage.Domains {
		if rule.Requirement != Required && rule.Requirement != Optional {
			return fmt.Errorf("coverage domain %q: invalid requirement %q", domain, rule.Requirement)
		}
		if rule.MinRows < 0 {
			return fmt.Errorf("coverage domain %q: negative min rows", domain)
		}
	}

	return nil
}
