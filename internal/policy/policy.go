package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"gopkg.in/yaml.v3"
)

const (
	cycleKindFixedDays     = "fixed_days"
	cycleKindCalendarMonth = "calendar_month"
	defaultCycleDays       = 30
)

// File is the on-disk policy document.
type File struct {
	Costs map[string]int64     `yaml:"costs"`
	Tiers map[string]TierEntry `yaml:"tiers"`
	Cycle CycleEntry           `yaml:"cycle"`
}

// TierEntry is one row of the tier table.
type TierEntry struct {
	Credits  int64            `yaml:"credits"`
	Counters map[string]int64 `yaml:"counters"`
}

// CycleEntry selects the reset cadence.
type CycleEntry struct {
	Kind string `yaml:"kind"` // fixed_days (default) or calendar_month
	Days int    `yaml:"days"` // fixed_days only, default 30
}

// Policy is the validated, immutable pricing and allotment configuration.
type Policy struct {
	Costs credits.CostTable
	Tiers credits.TierTable
	Cycle credits.CyclePolicy
}

// Default returns the built-in policy.
func Default() Policy {
	return Policy{
		Costs: credits.DefaultCostTable(),
		Tiers: credits.DefaultTierTable(),
		Cycle: credits.DefaultCyclePolicy(),
	}
}

// Load reads a policy file. An empty path yields Default.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a policy document, rejecting unknown keys.
func Parse(data []byte) (Policy, error) {
	var file File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("failed to parse policy: %w", err)
	}
	file.ApplyDefaults()
	policy, err := file.Build()
	if err != nil {
		return Policy{}, fmt.Errorf("invalid policy: %w", err)
	}
	return policy, nil
}

// ApplyDefaults fills sections left empty with the built-in values.
func (file *File) ApplyDefaults() {
	if len(file.Costs) == 0 {
		file.Costs = make(map[string]int64)
		for _, row := range credits.DefaultCostTable().Operations() {
			file.Costs[row.Name.String()] = row.Cost.Int64()
		}
	}
	if len(file.Tiers) == 0 {
		defaults := credits.DefaultTierTable()
		file.Tiers = make(map[string]TierEntry)
		for _, tier := range defaults.Tiers() {
			allotment, _ := defaults.Allotment(tier)
			file.Tiers[tier.String()] = TierEntry{Credits: allotment.Credits.Int64(), Counters: allotment.Counters}
		}
	}
	if file.Cycle.Kind == "" {
		file.Cycle.Kind = cycleKindFixedDays
	}
	if file.Cycle.Kind == cycleKindFixedDays && file.Cycle.Days == 0 {
		file.Cycle.Days = defaultCycleDays
	}
}

// Build validates the document and converts it into domain tables.
func (file *File) Build() (Policy, error) {
	costs := make(map[credits.OperationName]credits.Credits, len(file.Costs))
	for name, cost := range file.Costs {
		costs[credits.OperationName(name)] = credits.Credits(cost)
	}
	costTable, err := credits.NewCostTable(costs)
	if err != nil {
		return Policy{}, fmt.Errorf("costs: %w", err)
	}

	allotments := make(map[credits.Tier]credits.TierAllotment, len(file.Tiers))
	for name, entry := range file.Tiers {
		allotments[credits.Tier(name)] = credits.TierAllotment{Credits: credits.Credits(entry.Credits), Counters: entry.Counters}
	}
	tierTable, err := credits.NewTierTable(allotments)
	if err != nil {
		return Policy{}, fmt.Errorf("tiers: %w", err)
	}

	var cyclePolicy credits.CyclePolicy
	switch file.Cycle.Kind {
	case cycleKindFixedDays:
		cyclePolicy, err = credits.NewFixedCycle(file.Cycle.Days)
		if err != nil {
			return Policy{}, fmt.Errorf("cycle: %w", err)
		}
	case cycleKindCalendarMonth:
		if file.Cycle.Days != 0 {
			return Policy{}, fmt.Errorf("cycle: %w: days is only valid for %s", credits.ErrInvalidCyclePolicy, cycleKindFixedDays)
		}
		cyclePolicy = credits.NewCalendarMonthCycle()
	default:
		return Policy{}, fmt.Errorf("cycle.kind must be %q or %q, got %q: %w", cycleKindFixedDays, cycleKindCalendarMonth, file.Cycle.Kind, credits.ErrInvalidCyclePolicy)
	}

	return Policy{Costs: costTable, Tiers: tierTable, Cycle: cyclePolicy}, nil
}
