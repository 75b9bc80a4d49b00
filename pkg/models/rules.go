package models

// SymbolRule holds one instrument's trading constraints from the venue's
// exchange metadata. Rules are immutable once fetched; the whole set is
// replaced on refresh, never patched entry by entry.
type SymbolRule struct {
	Symbol            string  `json:"symbol"`
	PricePrecision    int     `json:"pricePrecision"`
	QuantityPrecision int     `json:"quantityPrecision"`
	TickSize          string  `json:"tickSize"`
	StepSize          string  `json:"stepSize"`
	MinNotional       float64 `json:"minNotional"`
	MinQty            string  `json:"minQty"`
	MaxQty            string  `json:"maxQty"`
}
