// Package pip provides symbol-indexed pip size and pip<->price conversion.
// Everything downstream of the feature pipeline talks in pips; this
// package is the only place that knows the price-unit scale per symbol.
package pip

import "strings"

// Table maps a symbol to its pip size. Callers build one Table per run and
// pass it explicitly — there is no package-level global, per the design
// note against global mutable state.
type Table struct {
	sizes map[string]float64
}

// DefaultPipSize is used for any symbol not present in the table: 0.0001
// for most FX crosses.
const DefaultPipSize = 0.0001

// JPYPipSize is used for JPY crosses: 0.01.
const JPYPipSize = 0.01

// NewTable builds a pip size table, seeding every symbol that contains
// "JPY" with JPYPipSize unless overridden by an explicit entry in
// overrides.
func NewTable(symbols []string, overrides map[string]float64) *Table {
	t := &Table{sizes: make(map[string]float64, len(symbols))}
	for _, s := range symbols {
		if strings.Contains(strings.ToUpper(s), "JPY") {
			t.sizes[s] = JPYPipSize
		} else {
			t.sizes[s] = DefaultPipSize
		}
	}
	for s, v := range overrides {
		t.sizes[s] = v
	}
	return t
}

// PipSize returns the pip size for symbol, falling back to DefaultPipSize
// if the symbol was never registered.
func (t *Table) PipSize(symbol string) float64 {
	if t == nil {
		return DefaultPipSize
	}
	if v, ok := t.sizes[symbol]; ok {
		return v
	}
	if strings.Contains(strings.ToUpper(symbol), "JPY") {
		return JPYPipSize
	}
	return DefaultPipSize
}

// ToPips converts a price delta to pips for symbol.
func (t *Table) ToPips(symbol string, priceDelta float64) float64 {
	size := t.PipSize(symbol)
	if size == 0 {
		return 0
	}
	return priceDelta / size
}

// ToPrice converts a pip delta to a price delta for symbol.
func (t *Table) ToPrice(symbol string, pips float64) float64 {
	return pips * t.PipSize(symbol)
}
