package models

import (
	"time"
)

// Network selects which venue environment a session talks to.
type Network string

const (
	NetworkMain Network = "main"
	NetworkTest Network = "test"
)

// Credentials are the API key pair for the trading venue. They are owned
// exclusively by the credential store; a change forces the session to
// reconnect and re-derive all account state.
type Credentials struct {
	Key     string
	Secret  string
	Network Network
}

func (c Credentials) Empty() bool {
	return c.Key == "" || c.Secret == ""
}

// ConnStatus is the tri-state connection status exposed to the UI. It is
// independent of per-operation errors so the user can tell "channel alive but
// this order failed" from "channel is down".
type ConnStatus string

const (
	StatusDisconnected ConnStatus = "disconnected"
	StatusConnecting   ConnStatus = "connecting"
	StatusConnected    ConnStatus = "connected"
)

type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

type MarginType string

const (
	MarginIsolated MarginType = "isolated"
	MarginCrossed  MarginType = "crossed"
)

type PositionMode string

const (
	ModeOneWay PositionMode = "one_way"
	ModeHedge  PositionMode = "hedge"
)

// Position is a single open futures position as reported by the venue. The ID
// is symbol plus side, stable across refreshes so the UI can diff updates.
// Flat (zero size) positions are filtered out before they ever reach the
// position map.
type Position struct {
	ID             string       `json:"id"`
	Symbol         string       `json:"symbol"`
	Side           PositionSide `json:"side"`
	Size           float64      `json:"size"` // signed: negative when short
	EntryPrice     float64      `json:"entryPrice"`
	MarkPrice      float64      `json:"markPrice"`
	UnrealizedPnl  float64      `json:"unrealizedPnl"`
	PnlPercent     float64      `json:"pnlPercent"`
	Leverage       int          `json:"leverage"`
	LiquidationPx  float64      `json:"liquidationPrice"`
	BreakEvenPrice float64      `json:"breakEvenPrice"`
	InitialMargin  float64      `json:"initialMargin"`
	Notional       float64      `json:"notional"`
	MarginType     MarginType   `json:"marginType"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// PositionID builds the stable map key for a symbol/side pair.
func PositionID(symbol string, side PositionSide) string {
	return symbol + "-" + string(side)
}

// Balance is one asset's account balance snapshot.
type Balance struct {
	Asset           string    `json:"asset"`
	Total           float64   `json:"total"`
	Available       float64   `json:"available"`
	CrossUnrealized float64   `json:"crossUnrealizedPnl"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// BracketTier is one leverage bracket tier. Tiers are kept sorted descending
// by leverage ceiling, which is the order the max-position-size calculation
// consumes them in.
type BracketTier struct {
	LeverageCeiling int     `json:"leverageCeiling"`
	NotionalCap     float64 `json:"notionalCap"`
	NotionalFloor   float64 `json:"notionalFloor"`
	MaintMarginRate float64 `json:"maintMarginRate"`
}

// LeverageBracket is the full tier ladder for one symbol.
type LeverageBracket struct {
	Symbol string        `json:"symbol"`
	Tiers  []BracketTier `json:"tiers"`
}

// MaxNotional returns the largest notional the bracket permits at the given
// leverage, or zero when the leverage exceeds every tier's ceiling. Tiers are
// sorted descending by ceiling, so every tier that still admits the leverage
// is inspected and the deepest (largest-cap) one wins.
func (b LeverageBracket) MaxNotional(leverage int) float64 {
	notional := 0.0
	for _, t := range b.Tiers {
		if leverage <= t.LeverageCeiling {
			notional = t.NotionalCap
		}
	}
	return notional
}
