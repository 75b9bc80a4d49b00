package models

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderIntent is a user trading intent before legalization. Size is expressed
// as a target notional in the quote asset; the session converts it to a base
// quantity from the last known price and quantizes it to the symbol's rules.
type OrderIntent struct {
	Symbol       string       `json:"symbol"`
	Side         OrderSide    `json:"side"`
	Type         OrderType    `json:"type"`
	Notional     float64      `json:"notional"`
	LimitPrice   float64      `json:"limitPrice,omitempty"`
	PositionMode PositionMode `json:"positionMode"`
}

// OrderResult is the venue's acknowledgement of a placed order.
type OrderResult struct {
	OrderID      int64  `json:"orderId"`
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	Side         string `json:"side"`
	PositionSide string `json:"positionSide"`
	Price        string `json:"price"`
	OrigQty      string `json:"origQty"`
}
