package venue

import (
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"tradedesk/pkg/models"
)

// Websocket methods for privileged calls and the push types the venue sends
// without a correlation id.
const (
	methodBalance    = "account.balance"
	methodPositions  = "account.position"
	methodPlaceOrder = "order.place"

	pushPositionUpdate = "account.position.update"
	pushBalanceUpdate  = "account.balance.update"
)

// wsRequest is one signed call on the duplex channel. Params is prebuilt so
// the signature lands as the final parameter, computed over all others sorted
// by key.
type wsRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// wsFrame is any inbound frame. Responses carry the id of the request they
// answer; unsolicited pushes carry a method matching a known push type
// instead.
type wsFrame struct {
	ID     string          `json:"id,omitempty"`
	Status int             `json:"status,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wsFrameError   `json:"error,omitempty"`
}

type wsFrameError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type balanceRow struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
	CrossUnPnl       string `json:"crossUnPnl"`
}

type positionRow struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	BreakEvenPrice   string `json:"breakEvenPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	LiquidationPrice string `json:"liquidationPrice"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
	IsolatedMargin   string `json:"isolatedMargin"`
	Notional         string `json:"notional"`
	PositionSide     string `json:"positionSide"`
	UpdateTime       int64  `json:"updateTime"`
}

func parseBalances(raw json.RawMessage) ([]models.Balance, error) {
	var rows []balanceRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, &SchemaError{Op: methodBalance, Err: err}
	}
	out := make([]models.Balance, 0, len(rows))
	now := time.Now()
	for _, r := range rows {
		out = append(out, models.Balance{
			Asset:           r.Asset,
			Total:           parseFloat(r.Balance),
			Available:       parseFloat(r.AvailableBalance),
			CrossUnrealized: parseFloat(r.CrossUnPnl),
			UpdatedAt:       now,
		})
	}
	return out, nil
}

// parsePositions converts raw position rows into the position map shape.
// Rows with zero size are dropped here, so the map never contains a flat
// position.
func parsePositions(raw json.RawMessage) ([]models.Position, error) {
	var rows []positionRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, &SchemaError{Op: methodPositions, Err: err}
	}

	out := make([]models.Position, 0, len(rows))
	for _, r := range rows {
		size := parseFloat(r.PositionAmt)
		if size == 0 {
			continue
		}

		side := models.PositionLong
		switch {
		case strings.EqualFold(r.PositionSide, "SHORT"):
			side = models.PositionShort
		case strings.EqualFold(r.PositionSide, "LONG"):
			side = models.PositionLong
		case size < 0:
			side = models.PositionShort
		}

		leverage, _ := strconv.Atoi(r.Leverage)
		notional := parseFloat(r.Notional)
		unrealized := parseFloat(r.UnRealizedProfit)

		initialMargin := parseFloat(r.IsolatedMargin)
		if initialMargin == 0 && leverage > 0 {
			initialMargin = abs(notional) / float64(leverage)
		}
		pnlPercent := 0.0
		if initialMargin != 0 {
			pnlPercent = unrealized / initialMargin * 100
		}

		marginType := models.MarginCrossed
		if strings.EqualFold(r.MarginType, "isolated") {
			marginType = models.MarginIsolated
		}

		out = append(out, models.Position{
			ID:             models.PositionID(r.Symbol, side),
			Symbol:         r.Symbol,
			Side:           side,
			Size:           size,
			EntryPrice:     parseFloat(r.EntryPrice),
			MarkPrice:      parseFloat(r.MarkPrice),
			UnrealizedPnl:  unrealized,
			PnlPercent:     pnlPercent,
			Leverage:       leverage,
			LiquidationPx:  parseFloat(r.LiquidationPrice),
			BreakEvenPrice: parseFloat(r.BreakEvenPrice),
			InitialMargin:  initialMargin,
			Notional:       notional,
			MarginType:     marginType,
			UpdatedAt:      time.UnixMilli(r.UpdateTime),
		})
	}
	return out, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
