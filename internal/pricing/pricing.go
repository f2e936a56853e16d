// Package pricing picks the display price and stock of an item from the
// price-type and warehouse entries reported for it.
package pricing

import "strings"

type PriceEntry struct {
	TypeCode string  `json:"price_type_code"`
	TypeName string  `json:"price_type_name"`
	Value    float64 `json:"value"`
}

type StockEntry struct {
	WarehouseCode string   `json:"warehouse_code"`
	WarehouseName string   `json:"warehouse_name"`
	OnHand        float64  `json:"on_hand"`
	Reserved      float64  `json:"reserved"`
	Available     *float64 `json:"available,omitempty"` // free stock, when the export reports it
}

// Free is the reported free stock, or on_hand - reserved clamped at zero.
func (e StockEntry) Free() float64 {
	if e.Available != nil {
		return *e.Available
	}
	q := e.OnHand - e.Reserved
	if q < 0 {
		return 0
	}
	return q
}

// Overrides are per-item selectors set by an operator. Matched by code.
type Overrides struct {
	PriceCode string
	StockCode string
}

// Defaults come from the owning source. Matched by name.
type Defaults struct {
	PriceTypeName string
	WarehouseName string
}

// Origin tells which rule produced a value.
type Origin string

const (
	FromOverride Origin = "override"
	FromDefault  Origin = "default"
	FromNone     Origin = "none"
)

type Result struct {
	Price       float64
	Stock       float64
	InStock     bool
	PriceOrigin Origin
	StockOrigin Origin
}

// Resolve applies override -> source default -> zero, separately for price and
// stock. Pure: safe to re-run later from persisted entries.
func Resolve(prices []PriceEntry, stocks []StockEntry, ov Overrides, def Defaults) Result {
	res := Result{PriceOrigin: FromNone, StockOrigin: FromNone}

	if code := strings.TrimSpace(ov.PriceCode); code != "" {
		for _, p := range prices {
			if p.TypeCode == code {
				res.Price = p.Value
				res.PriceOrigin = FromOverride
				break
			}
		}
	}
	if res.PriceOrigin == FromNone {
		if name := strings.TrimSpace(def.PriceTypeName); name != "" {
			for _, p := range prices {
				if p.TypeName == name {
					res.Price = p.Value
					res.PriceOrigin = FromDefault
					break
				}
			}
		}
	}

	if code := strings.TrimSpace(ov.StockCode); code != "" {
		for _, s := range stocks {
			if s.WarehouseCode == code {
				res.Stock = s.Free()
				res.StockOrigin = FromOverride
				break
			}
		}
	}
	if res.StockOrigin == FromNone {
		if name := strings.TrimSpace(def.WarehouseName); name != "" {
			for _, s := range stocks {
				if s.WarehouseName == name {
					res.Stock = s.Free()
					res.StockOrigin = FromDefault
					break
				}
			}
		}
	}

	res.InStock = res.Stock > 0
	return res
}
