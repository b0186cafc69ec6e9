package credits

import (
	"fmt"
	"sort"
)

// CostTable resolves operation names to credit costs. It is never written after construction,
// so lookups need no synchronization.
type CostTable struct {
	costs map[OperationName]Credits
}

// OperationCost is one cost-table row.
type OperationCost struct {
	Name OperationName
	Cost Credits
}

// NewCostTable validates and copies the supplied costs.
func NewCostTable(costs map[OperationName]Credits) (CostTable, error) {
	if len(costs) == 0 {
		return CostTable{}, fmt.Errorf("%w: cost table is empty", ErrInvalidCost)
	}
	copied := make(map[OperationName]Credits, len(costs))
	for name, cost := range costs {
		normalized, err := NewOperationName(name.String())
		if err != nil {
			return CostTable{}, fmt.Errorf("%w: %v", ErrInvalidCost, err)
		}
		if cost <= 0 {
			return CostTable{}, fmt.Errorf("%w: %s must cost more than zero", ErrInvalidCost, normalized)
		}
		copied[normalized] = cost
	}
	return CostTable{costs: copied}, nil
}

// DefaultCostTable returns the built-in image operation prices.
func DefaultCostTable() CostTable {
	return CostTable{costs: map[OperationName]Credits{
		"generate_portrait": 5,
		"generate_scene":    5,
		"remove_background": 2,
		"upscale_image":     3,
	}}
}

// CostOf returns the cost of operation or ErrUnknownOperation.
func (table CostTable) CostOf(operation OperationName) (Credits, error) {
	cost, ok := table.costs[operation]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, operation.String())
	}
	return cost, nil
}

// Operations lists every row sorted by name.
func (table CostTable) Operations() []OperationCost {
	rows := make([]OperationCost, 0, len(table.costs))
	for name, cost := range table.costs {
		rows = append(rows, OperationCost{Name: name, Cost: cost})
	}
	sort.Slice(rows, func(left, right int) bool {
		return rows[left].Name < rows[right].Name
	})
	return rows
}

// Len returns the number of priced operations.
func (table CostTable) Len() int {
	return len(table.costs)
}
