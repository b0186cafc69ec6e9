package credits

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// CounterExtensionPrompts is the secondary counter for browser extension prompts.
const CounterExtensionPrompts = "extension_prompts"

// TierAllotment is what a tier receives at every cycle reset.
type TierAllotment struct {
	Credits  Credits
	Counters map[string]int64
}

// TierTable maps every known tier to its allotment. Adding a tier is a single row.
type TierTable struct {
	allotments map[Tier]TierAllotment
}

// NewTierTable validates and copies the supplied allotments.
func NewTierTable(allotments map[Tier]TierAllotment) (TierTable, error) {
	if len(allotments) == 0 {
		return TierTable{}, fmt.Errorf("%w: no tiers", ErrInvalidTierTable)
	}
	copied := make(map[Tier]TierAllotment, len(allotments))
	for tier, allotment := range allotments {
		// Tier names are case-insensitive; ParseTier lower-cases its input.
		name := strings.ToLower(strings.TrimSpace(tier.String()))
		if name == "" {
			return TierTable{}, fmt.Errorf("%w: empty tier name", ErrInvalidTierTable)
		}
		if _, exists := copied[Tier(name)]; exists {
			return TierTable{}, fmt.Errorf("%w: duplicate tier %s", ErrInvalidTierTable, name)
		}
		if allotment.Credits < 0 {
			return TierTable{}, fmt.Errorf("%w: tier %s has negative credits", ErrInvalidTierTable, name)
		}
		for counter, value := range allotment.Counters {
			if strings.TrimSpace(counter) == "" || value < 0 {
				return TierTable{}, fmt.Errorf("%w: tier %s has invalid counter %q", ErrInvalidTierTable, name, counter)
			}
		}
		copied[Tier(name)] = TierAllotment{Credits: allotment.Credits, Counters: cloneCounters(allotment.Counters)}
	}
	return TierTable{allotments: copied}, nil
}

// DefaultTierTable returns the built-in free and pro allotments.
func DefaultTierTable() TierTable {
	return TierTable{allotments: map[Tier]TierAllotment{
		TierFree: {Credits: 10, Counters: map[string]int64{CounterExtensionPrompts: 5}},
		TierPro:  {Credits: 200, Counters: map[string]int64{CounterExtensionPrompts: 100}},
	}}
}

// Allotment returns a copy of the allotment for tier.
func (table TierTable) Allotment(tier Tier) (TierAllotment, error) {
	allotment, ok := table.allotments[tier]
	if !ok {
		return TierAllotment{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier.String())
	}
	return TierAllotment{Credits: allotment.Credits, Counters: cloneCounters(allotment.Counters)}, nil
}

// ParseTier validates raw against the table.
func (table TierTable) ParseTier(raw string) (Tier, error) {
	tier := Tier(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := table.allotments[tier]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, raw)
	}
	return tier, nil
}

// Tiers lists the known tiers sorted by name.
func (table TierTable) Tiers() []Tier {
	tiers := make([]Tier, 0, len(table.allotments))
	for tier := range table.allotments {
		tiers = append(tiers, tier)
	}
	sort.Slice(tiers, func(left, right int) bool { return tiers[left] < tiers[right] })
	return tiers
}

// CycleKind selects how cycle boundaries are computed.
type CycleKind string

const (
	CycleFixedDays     CycleKind = "fixed_days"
	CycleCalendarMonth CycleKind = "calendar_month"
)

const defaultCycleDays = 30

// CyclePolicy decides when an account's cycle ends.
type CyclePolicy struct {
	kind CycleKind
	days int
}

// NewFixedCycle returns a policy with boundaries every days days after the anchor.
func NewFixedCycle(days int) (CyclePolicy, error) {
	if days <= 0 {
		return CyclePolicy{}, fmt.Errorf("%w: cycle days must be greater than zero", ErrInvalidCyclePolicy)
	}
	return CyclePolicy{kind: CycleFixedDays, days: days}, nil
}

// NewCalendarMonthCycle returns a policy with boundaries on the first of every month (UTC).
func NewCalendarMonthCycle() CyclePolicy {
	return CyclePolicy{kind: CycleCalendarMonth}
}

// DefaultCyclePolicy is a fixed 30 day cycle.
func DefaultCyclePolicy() CyclePolicy {
	return CyclePolicy{kind: CycleFixedDays, days: defaultCycleDays}
}

// Kind returns the boundary rule.
func (policy CyclePolicy) Kind() CycleKind {
	return policy.kind
}

// Validate rejects the zero value.
func (policy CyclePolicy) Validate() error {
	switch policy.kind {
	case CycleCalendarMonth:
		return nil
	case CycleFixedDays:
		if policy.days <= 0 {
			return fmt.Errorf("%w: cycle days must be greater than zero", ErrInvalidCyclePolicy)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCyclePolicy, policy.kind)
	}
}

// NextBoundary returns the start of the cycle following the one anchored at anchor.
func (policy CyclePolicy) NextBoundary(anchor time.Time) time.Time {
	anchor = anchor.UTC()
	if policy.kind == CycleCalendarMonth {
		return time.Date(anchor.Year(), anchor.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	}
	return anchor.Add(policy.length())
}

// Due reports whether a reset is owed at now.
func (policy CyclePolicy) Due(anchor time.Time, now time.Time) bool {
	return !now.UTC().Before(policy.NextBoundary(anchor))
}

// Advance returns the latest boundary not after now. Missed cycles collapse into one.
func (policy CyclePolicy) Advance(anchor time.Time, now time.Time) time.Time {
	anchor = anchor.UTC()
	now = now.UTC()
	if !policy.Due(anchor, now) {
		return anchor
	}
	if policy.kind == CycleCalendarMonth {
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	if anchor.IsZero() {
		return now
	}
	elapsed := now.Sub(anchor) / policy.length()
	return anchor.Add(elapsed * policy.length())
}

func (policy CyclePolicy) length() time.Duration {
	return time.Duration(policy.days) * 24 * time.Hour
}
