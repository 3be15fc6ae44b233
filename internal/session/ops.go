package session

import (
	"fmt"

	"github.com/omniorder/omniorder/internal/channel"
	"github.com/omniorder/omniorder/internal/errs"
	"github.com/omniorder/omniorder/internal/ids"
)

// Op names accepted by ApplyOps.
const (
	OpAddLine    = "add_line"
	OpRemoveLine = "remove_line"
	OpSetQty     = "set_qty"
	OpReplaceSKU = "replace_sku"
	OpSetData    = "set_data"
	OpMergeLines = "merge_lines"
)

// Op is one session operation. Which fields are required depends on Op;
// unknown ops and missing fields fail the whole batch.
type Op struct {
	Op         string         `json:"op"`
	LineID     string         `json:"line_id,omitempty"`
	SKU        string         `json:"sku,omitempty"`
	Qty        *int64         `json:"qty,omitempty"`
	UnitPriceQ *int64         `json:"unit_price_q,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	Path       string         `json:"path,omitempty"`
	Value      any            `json:"value,omitempty"`
	FromLineID string         `json:"from_line_id,omitempty"`
	IntoLineID string         `json:"into_line_id,omitempty"`
}

// ApplyOps applies ops to copies of items and data and returns the new
// versions. The inputs are never mutated, so a failed batch leaves no
// partial application behind.
func ApplyOps(items []Item, data map[string]any, ops []Op, pricing channel.PricingPolicy) ([]Item, map[string]any, error) {
	items = CloneItems(items)
	if data == nil {
		data = map[string]any{}
	} else {
		data = CloneData(data)
	}

	var err error
	for _, op := range ops {
		switch op.Op {
		case OpAddLine:
			items, err = applyAddLine(items, op, pricing)
		case OpRemoveLine:
			items, err = applyRemoveLine(items, op)
		case OpSetQty:
			items, err = applySetQty(items, op)
		case OpReplaceSKU:
			items, err = applyReplaceSKU(items, op, pricing)
		case OpSetData:
			err = applySetData(data, op)
		case OpMergeLines:
			items, err = applyMergeLines(items, op)
		default:
			err = errs.Validation("unsupported_op",
				fmt.Sprintf("unsupported op: %s", op.Op), map[string]any{"op": op.Op})
		}
		if err != nil {
			return nil, nil, err
		}
	}
	Recalculate(items)
	return items, data, nil
}

func requireQty(op Op) (int64, error) {
	if op.Qty == nil {
		return 0, errs.Validation("invalid_qty", "qty is required", nil)
	}
	if *op.Qty <= 0 {
		return 0, errs.Validation("invalid_qty", "qty must be greater than zero",
			map[string]any{"qty": *op.Qty})
	}
	return *op.Qty, nil
}

func findLine(items []Item, lineID string) int {
	for i := range items {
		if items[i].LineID == lineID {
			return i
		}
	}
	return -1
}

func unknownLine(lineID string) error {
	return errs.Validation("unknown_line_id", "line_id not found",
		map[string]any{"line_id": lineID})
}

func applyAddLine(items []Item, op Op, pricing channel.PricingPolicy) ([]Item, error) {
	if op.SKU == "" {
		return nil, errs.Validation("missing_sku", "sku is required", nil)
	}
	qty, err := requireQty(op)
	if err != nil {
		return nil, err
	}
	// Externally priced sessions must never be repriced by the kernel,
	// so the price has to arrive with the op.
	if pricing == channel.PricingExternal && op.UnitPriceQ == nil {
		return nil, errs.Validation("missing_unit_price_q",
			"unit_price_q is required when pricing policy is external",
			map[string]any{"sku": op.SKU})
	}

	line := Item{
		LineID: ids.NewLineID(),
		SKU:    op.SKU,
		Qty:    qty,
		Meta:   op.Meta,
	}
	if op.UnitPriceQ != nil {
		price := *op.UnitPriceQ
		line.UnitPriceQ = &price
	}
	return append(items, line), nil
}

func applyRemoveLine(items []Item, op Op) ([]Item, error) {
	idx := findLine(items, op.LineID)
	if idx < 0 {
		return nil, unknownLine(op.LineID)
	}
	return append(items[:idx], items[idx+1:]...), nil
}

func applySetQty(items []Item, op Op) ([]Item, error) {
	qty, err := requireQty(op)
	if err != nil {
		return nil, err
	}
	idx := findLine(items, op.LineID)
	if idx < 0 {
		return nil, unknownLine(op.LineID)
	}
	items[idx].Qty = qty
	return items, nil
}

func applyReplaceSKU(items []Item, op Op, pricing channel.PricingPolicy) ([]Item, error) {
	if op.SKU == "" {
		return nil, errs.Validation("missing_sku", "sku is required", nil)
	}
	if pricing == channel.PricingExternal && op.UnitPriceQ == nil {
		return nil, errs.Validation("missing_unit_price_q",
			"unit_price_q is required when pricing policy is external",
			map[string]any{"sku": op.SKU})
	}
	idx := findLine(items, op.LineID)
	if idx < 0 {
		return nil, unknownLine(op.LineID)
	}
	items[idx].SKU = op.SKU
	if op.UnitPriceQ != nil {
		price := *op.UnitPriceQ
		items[idx].UnitPriceQ = &price
	} else {
		// The replacement SKU has its own price; the modifier chain
		// reprices it under internal policy.
		items[idx].UnitPriceQ = nil
	}
	if op.Meta != nil {
		items[idx].Meta = op.Meta
	}
	return items, nil
}

func applySetData(data map[string]any, op Op) error {
	if op.Path == "" {
		return errs.Validation("missing_path", "path is required", nil)
	}
	setPath(data, op.Path, op.Value)
	return nil
}

func applyMergeLines(items []Item, op Op) ([]Item, error) {
	if op.FromLineID == "" || op.IntoLineID == "" || op.FromLineID == op.IntoLineID {
		return nil, errs.Validation("invalid_merge",
			"from_line_id and into_line_id must be distinct", nil)
	}
	fromIdx := findLine(items, op.FromLineID)
	intoIdx := findLine(items, op.IntoLineID)
	if fromIdx < 0 {
		return nil, unknownLine(op.FromLineID)
	}
	if intoIdx < 0 {
		return nil, unknownLine(op.IntoLineID)
	}
	if items[fromIdx].SKU != items[intoIdx].SKU {
		return nil, errs.Validation("sku_mismatch",
			"merge_lines requires both lines to share the same sku",
			map[string]any{
				"from_sku": items[fromIdx].SKU,
				"into_sku": items[intoIdx].SKU,
			})
	}
	items[intoIdx].Qty += items[fromIdx].Qty
	return append(items[:fromIdx], items[fromIdx+1:]...), nil
}

// setPath writes value at a dotted path, creating intermediate maps.
func setPath(data map[string]any, path string, value any) {
	target := data
	start := 0
	for i := 0; i <= len(path); i++ {
		if i != len(path) && path[i] != '.' {
			continue
		}
		key := path[start:i]
		start = i + 1
		if i == len(path) {
			target[key] = value
			return
		}
		next, ok := target[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			target[key] = next
		}
		target = next
	}
}
