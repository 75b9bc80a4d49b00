package venue

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/goccy/go-json"

	"tradedesk/pkg/models"
)

// ErrMinNotional rejects an order locally before any wire send when its
// notional is below the symbol's minimum.
var ErrMinNotional = errors.New("venue: order below minimum notional")

// PlaceOrder legalizes, signs, and sends one order. Quantity is derived from
// the target notional and the last cached price; monetary values cross the
// wire as decimal strings re-quantized to the symbol's declared precision.
func (s *Session) PlaceOrder(ctx context.Context, intent models.OrderIntent) (models.OrderResult, error) {
	var out models.OrderResult

	if s.creds.Credentials().Empty() {
		return out, ErrNoCredentials
	}

	price, ok := s.prices.LastPrice(intent.Symbol)
	if !ok || price <= 0 {
		return out, ErrNoPriceData
	}

	qtyStr := s.rules.LegalizeQuantity(intent.Symbol, intent.Notional/price)
	qty, _ := strconv.ParseFloat(qtyStr, 64)
	if !s.rules.MeetsMinNotional(intent.Symbol, qty, price) {
		return out, ErrMinNotional
	}

	params := map[string]string{
		"symbol":       intent.Symbol,
		"side":         wireSide(intent.Side),
		"type":         wireOrderType(intent.Type),
		"quantity":     qtyStr,
		"positionSide": wirePositionSide(intent.PositionMode, intent.Side),
	}
	if intent.Type == models.OrderTypeLimit {
		params["price"] = s.rules.LegalizePrice(intent.Symbol, intent.LimitPrice)
		params["timeInForce"] = "GTC"
	}

	res, err := s.call(ctx, methodPlaceOrder, params)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return out, &SchemaError{Op: methodPlaceOrder, Err: err}
	}
	return out, nil
}

// ClosePosition sends a reduce order for the position with the given id. The
// side is the inverse of the position's side; quantity defaults to the full
// remaining size unless partialSize is positive.
func (s *Session) ClosePosition(ctx context.Context, positionID string, orderType models.OrderType, limitPrice, partialSize float64) (models.OrderResult, error) {
	var out models.OrderResult

	s.mu.RLock()
	pos, ok := s.positions[positionID]
	mode := s.positionMode
	s.mu.RUnlock()
	if !ok {
		return out, ErrPositionNotFound
	}

	side := models.OrderSideSell
	if pos.Side == models.PositionShort {
		side = models.OrderSideBuy
	}

	size := abs(pos.Size)
	if partialSize > 0 {
		size = partialSize
	}

	params := map[string]string{
		"symbol":   pos.Symbol,
		"side":     wireSide(side),
		"type":     wireOrderType(orderType),
		"quantity": s.rules.LegalizeQuantity(pos.Symbol, size),
	}
	if orderType == models.OrderTypeLimit {
		params["price"] = s.rules.LegalizePrice(pos.Symbol, limitPrice)
		params["timeInForce"] = "GTC"
	}
	if mode == models.ModeHedge {
		params["positionSide"] = wirePositionFromSide(pos.Side)
	} else {
		params["positionSide"] = "BOTH"
		params["reduceOnly"] = "true"
	}

	res, err := s.call(ctx, methodPlaceOrder, params)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return out, &SchemaError{Op: methodPlaceOrder, Err: err}
	}
	return out, nil
}

// CloseAllPositions fires market closes for every open position concurrently.
// A second call while one is in flight is rejected so the same position is
// never double-submitted. An empty position set completes as a no-op.
func (s *Session) CloseAllPositions(ctx context.Context) error {
	if !s.closingAll.CompareAndSwap(false, true) {
		return ErrAlreadyInProgress
	}
	defer s.closingAll.Store(false)

	s.mu.RLock()
	ids := make([]string, 0, len(s.positions))
	for id := range s.positions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	if len(ids) == 0 {
		s.log.Info("Close all: no open positions")
		return nil
	}

	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			if _, err := s.ClosePosition(ctx, id, models.OrderTypeMarket, 0, 0); err != nil {
				errs[i] = err
			}
		}(i, id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// UpdateLeverage changes one symbol's leverage and optimistically patches the
// local position cache instead of waiting for the next poll cycle.
func (s *Session) UpdateLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := s.rest.SetLeverage(ctx, symbol, leverage); err != nil {
		return err
	}

	s.mu.Lock()
	for id, pos := range s.positions {
		if pos.Symbol == symbol {
			pos.Leverage = leverage
			s.positions[id] = pos
		}
	}
	s.mu.Unlock()
	s.notifyPositions()
	return nil
}

// UpdateMarginType changes one symbol's margin type, optimistic like
// UpdateLeverage.
func (s *Session) UpdateMarginType(ctx context.Context, symbol string, marginType models.MarginType) error {
	if err := s.rest.SetMarginType(ctx, symbol, marginType); err != nil {
		return err
	}

	s.mu.Lock()
	s.marginTypes[symbol] = marginType
	for id, pos := range s.positions {
		if pos.Symbol == symbol {
			pos.MarginType = marginType
			s.positions[id] = pos
		}
	}
	s.mu.Unlock()
	s.notifyPositions()
	return nil
}

// UpdatePositionMode switches the account between one-way and hedge mode.
// No optimistic update: callers confirm with FetchPositionMode.
func (s *Session) UpdatePositionMode(ctx context.Context, mode models.PositionMode) error {
	return s.rest.SetPositionMode(ctx, mode)
}

// FetchBalance replaces the balance cache wholesale from the venue.
func (s *Session) FetchBalance(ctx context.Context) error {
	res, err := s.call(ctx, methodBalance, nil)
	if err != nil {
		return err
	}
	rows, err := parseBalances(res)
	if err != nil {
		return err
	}

	next := make(map[string]models.Balance, len(rows))
	for _, b := range rows {
		next[b.Asset] = b
	}
	s.mu.Lock()
	s.balances = next
	s.mu.Unlock()
	s.notifyBalances()
	return nil
}

// FetchPositions replaces the position cache wholesale. Zero-size rows are
// already filtered by the parse step, so the map never holds a flat position.
func (s *Session) FetchPositions(ctx context.Context) error {
	res, err := s.call(ctx, methodPositions, nil)
	if err != nil {
		return err
	}
	rows, err := parsePositions(res)
	if err != nil {
		return err
	}

	next := make(map[string]models.Position, len(rows))
	for _, p := range rows {
		next[p.ID] = p
	}
	s.mu.Lock()
	s.positions = next
	for _, p := range rows {
		s.marginTypes[p.Symbol] = p.MarginType
	}
	s.mu.Unlock()
	s.notifyPositions()
	return nil
}

// FetchPositionMode refreshes the hedge/one-way flag from the venue.
func (s *Session) FetchPositionMode(ctx context.Context) error {
	mode, err := s.rest.PositionMode(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.positionMode = mode
	s.mu.Unlock()
	return nil
}

// FetchLeverageBrackets refreshes the leverage tier ladders.
func (s *Session) FetchLeverageBrackets(ctx context.Context) error {
	brackets, err := s.rest.LeverageBrackets(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.brackets = brackets
	s.mu.Unlock()
	return nil
}

// mergePositions applies a push in receipt order with last-write-wins
// semantics. Zero-size rows never appear here (filtered at parse), but a push
// cannot delete either: only a wholesale fetch empties a slot.
func (s *Session) mergePositions(rows []models.Position) {
	if len(rows) == 0 {
		return
	}
	s.mu.Lock()
	for _, p := range rows {
		s.positions[p.ID] = p
		s.marginTypes[p.Symbol] = p.MarginType
	}
	s.mu.Unlock()
	s.notifyPositions()
}

func (s *Session) mergeBalances(rows []models.Balance) {
	if len(rows) == 0 {
		return
	}
	s.mu.Lock()
	for _, b := range rows {
		s.balances[b.Asset] = b
	}
	s.mu.Unlock()
	s.notifyBalances()
}

// Positions returns a snapshot of the position map, sorted by id for stable
// UI diffing.
func (s *Session) Positions() []models.Position {
	s.mu.RLock()
	out := make([]models.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Session) Balances() []models.Balance {
	s.mu.RLock()
	out := make([]models.Balance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, b)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

func (s *Session) Bracket(symbol string) (models.LeverageBracket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.brackets[symbol]
	return b, ok
}

func (s *Session) Brackets() map[string]models.LeverageBracket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.LeverageBracket, len(s.brackets))
	for k, v := range s.brackets {
		out[k] = v
	}
	return out
}

func (s *Session) MarginType(symbol string) (models.MarginType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mt, ok := s.marginTypes[symbol]
	return mt, ok
}

func (s *Session) PositionMode() models.PositionMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positionMode
}

// Status is the tri-state connection status for the UI, independent of
// per-operation errors.
func (s *Session) Status() models.ConnStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

func wireSide(side models.OrderSide) string {
	if side == models.OrderSideSell {
		return "SELL"
	}
	return "BUY"
}

func wireOrderType(t models.OrderType) string {
	if t == models.OrderTypeLimit {
		return "LIMIT"
	}
	return "MARKET"
}

// wirePositionSide maps position mode to the wire convention: one-way mode
// always uses the neutral marker, hedge mode picks the side from the order.
func wirePositionSide(mode models.PositionMode, side models.OrderSide) string {
	if mode != models.ModeHedge {
		return "BOTH"
	}
	if side == models.OrderSideSell {
		return "SHORT"
	}
	return "LONG"
}

func wirePositionFromSide(side models.PositionSide) string {
	if side == models.PositionShort {
		return "SHORT"
	}
	return "LONG"
}
