package venue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tradedesk/internal/timeutil"
	"tradedesk/pkg/models"
)

const (
	wsMainURL = "wss://fstream.tradevenue.com/ws-api"
	wsTestURL = "wss://testnet-stream.tradevenue.com/ws-api"
)

// SessionConfig tunes the authenticated channel. Zero values fall back to the
// defaults below.
type SessionConfig struct {
	WSURL             string // overrides network selection when set
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RequestTimeout    time.Duration
	PositionPoll      time.Duration
	ReconnectDelay    time.Duration
	RecvWindow        int
}

func (c *SessionConfig) applyDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.PositionPoll == 0 {
		c.PositionPoll = time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.RecvWindow == 0 {
		c.RecvWindow = 5000
	}
}

// PriceSource supplies the last known price for a symbol. Implemented by the
// market data mux.
type PriceSource interface {
	LastPrice(symbol string) (float64, bool)
}

type pendingCall struct {
	ch       chan callResult
	issuedAt time.Time
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Session is the authenticated duplex channel to the trading venue. It owns
// the connection lifecycle, heartbeat, reconnection, request/response
// correlation, and the account state caches derived from fetches and pushes.
// All shared maps are mutated only by the session's own handlers; callers read
// through accessors and subscriptions.
type Session struct {
	cfg    SessionConfig
	creds  CredentialProvider
	rules  *RuleCache
	prices PriceSource
	rest   *RestClient
	log    *logrus.Logger

	mu            sync.RWMutex
	conn          *websocket.Conn
	status        models.ConnStatus
	authenticated bool
	positions     map[string]models.Position
	balances      map[string]models.Balance
	brackets      map[string]models.LeverageBracket
	marginTypes   map[string]models.MarginType
	positionMode  models.PositionMode

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	subsMu       sync.Mutex
	nextSubID    int
	balanceSubs  map[int]func([]models.Balance)
	positionSubs map[int]func([]models.Position)
	statusSubs   map[int]func(models.ConnStatus)

	closingAll atomic.Bool

	runMu     sync.Mutex
	runCancel context.CancelFunc
	done      chan struct{}
}

func NewSession(cfg SessionConfig, creds CredentialProvider, rules *RuleCache, prices PriceSource, rest *RestClient, log *logrus.Logger) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:          cfg,
		creds:        creds,
		rules:        rules,
		prices:       prices,
		rest:         rest,
		log:          log,
		status:       models.StatusDisconnected,
		positions:    make(map[string]models.Position),
		balances:     make(map[string]models.Balance),
		brackets:     make(map[string]models.LeverageBracket),
		marginTypes:  make(map[string]models.MarginType),
		positionMode: models.ModeOneWay,
		pending:      make(map[string]*pendingCall),
		balanceSubs:  make(map[int]func([]models.Balance)),
		positionSubs: make(map[int]func([]models.Position)),
		statusSubs:   make(map[int]func(models.ConnStatus)),
	}
}

// Connect starts the connection loop. With empty credentials the session
// stays disconnected and no I/O is attempted.
func (s *Session) Connect() error {
	if s.creds.Credentials().Empty() {
		return ErrNoCredentials
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.runCancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

// Close tears down the channel and stops reconnecting. Pending requests are
// rejected, never silently dropped.
func (s *Session) Close() {
	s.runMu.Lock()
	cancel, done := s.runCancel, s.done
	s.runCancel = nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

// Reconnect force-closes the current transport so the connection loop
// re-dials, re-authenticates, and re-derives brackets, position mode, and
// margin types. Called on credential change.
func (s *Session) Reconnect() {
	s.runMu.Lock()
	running := s.runCancel != nil
	s.runMu.Unlock()

	if !running {
		if err := s.Connect(); err != nil {
			s.log.WithError(err).Warn("Session reconnect skipped")
		}
		return
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	for {
		if ctx.Err() != nil {
			return
		}
		s.setStatus(models.StatusConnecting)

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, s.wsURL(), nil)
		if err != nil {
			s.log.WithError(err).Warn("Session dial failed")
			s.setStatus(models.StatusDisconnected)
			if !timeutil.Sleep(ctx, s.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.setStatus(models.StatusConnected)

		connCtx, cancel := context.WithCancel(ctx)
		errCh := make(chan error, 3)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- s.readLoop(conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- s.heartbeatLoop(connCtx, conn)
		}()

		// The balance query doubles as the authentication probe: a venue
		// that accepts our signature answers it, one that does not kills
		// the session here.
		authErr := s.FetchBalance(connCtx)
		if authErr != nil {
			s.log.WithError(authErr).Error("Session authentication failed")
		} else {
			s.mu.Lock()
			s.authenticated = true
			s.mu.Unlock()
			s.bootstrap(connCtx)
			wg.Add(1)
			go func() {
				defer wg.Done()
				errCh <- s.pollLoop(connCtx)
			}()
			authErr = <-errCh
		}

		cancel()
		_ = conn.Close()
		wg.Wait()

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.authenticated = false
		s.mu.Unlock()

		s.failAllPending(&NetworkError{Op: "session", Err: authErr})
		s.setStatus(models.StatusDisconnected)

		if authErr != nil && !errors.Is(authErr, context.Canceled) {
			s.log.WithError(authErr).Warn("Session connection lost")
		}
		if !timeutil.Sleep(ctx, s.cfg.ReconnectDelay) {
			return
		}
	}
}

// bootstrap runs the once-per-connection fetches after authentication.
// Failures here are logged, not fatal: the poll cycle repairs positions and
// the caller can retry configuration reads.
func (s *Session) bootstrap(ctx context.Context) {
	if err := s.FetchPositions(ctx); err != nil {
		s.log.WithError(err).Warn("Initial position fetch failed")
	}
	if err := s.FetchLeverageBrackets(ctx); err != nil {
		s.log.WithError(err).Warn("Leverage bracket fetch failed")
	}
	if err := s.FetchPositionMode(ctx); err != nil {
		s.log.WithError(err).Warn("Position mode fetch failed")
	}
}

func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.WithError(err).Warn("Dropping malformed session frame")
			continue
		}

		if frame.ID != "" {
			s.resolvePending(frame)
			continue
		}

		switch frame.Method {
		case pushPositionUpdate:
			if rows, err := parsePositions(frame.Result); err != nil {
				s.log.WithError(err).Warn("Dropping malformed position push")
			} else {
				s.mergePositions(rows)
			}
		case pushBalanceUpdate:
			if rows, err := parseBalances(frame.Result); err != nil {
				s.log.WithError(err).Warn("Dropping malformed balance push")
			} else {
				s.mergeBalances(rows)
			}
		default:
			s.log.WithField("method", frame.Method).Debug("Ignoring unknown push")
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn) error {
	var lastPong atomic.Int64
	lastPong.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		lastPong.Store(time.Now().UnixNano())
		return nil
	})

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			gap := time.Since(time.Unix(0, lastPong.Load()))
			if gap > s.cfg.HeartbeatTimeout {
				return fmt.Errorf("heartbeat timeout after %s", gap)
			}
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return fmt.Errorf("heartbeat write: %w", err)
			}
		}
	}
}

func (s *Session) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PositionPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.FetchPositions(ctx); err != nil {
				s.log.WithError(err).Debug("Position poll failed")
			}
		}
	}
}

// call sends one signed request and waits for the correlated response. The
// wait ends on a matching frame, the request timeout, context cancellation,
// or channel teardown.
func (s *Session) call(ctx context.Context, method string, params map[string]string) (json.RawMessage, error) {
	creds := s.creds.Credentials()
	if creds.Empty() {
		return nil, ErrNoCredentials
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return nil, &NetworkError{Op: method, Err: errors.New("not connected")}
	}

	if params == nil {
		params = make(map[string]string, 3)
	}
	params["apiKey"] = creds.Key
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	params["recvWindow"] = strconv.Itoa(s.cfg.RecvWindow)
	signature := Sign(params, creds.Secret)

	id := uuid.NewString()
	pc := &pendingCall{ch: make(chan callResult, 1), issuedAt: time.Now()}
	s.pendingMu.Lock()
	s.pending[id] = pc
	s.pendingMu.Unlock()

	payload, err := marshalRequest(id, method, params, signature)
	if err != nil {
		s.dropPending(id)
		return nil, err
	}

	s.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	s.writeMu.Unlock()
	if err != nil {
		s.dropPending(id)
		return nil, &NetworkError{Op: method, Err: err}
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-pc.ch:
		return res.result, res.err
	case <-timer.C:
		s.dropPending(id)
		return nil, &NetworkError{Op: method, Err: errors.New("request timed out")}
	case <-ctx.Done():
		s.dropPending(id)
		return nil, ctx.Err()
	}
}

// marshalRequest builds the request frame by hand so the signature is
// serialized as the final parameter, matching what was signed.
func marshalRequest(id, method string, params map[string]string, signature string) ([]byte, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	obj := make([]byte, 0, 256)
	obj = append(obj, '{')
	for _, k := range keys {
		kj, _ := json.Marshal(k)
		vj, _ := json.Marshal(params[k])
		obj = append(obj, kj...)
		obj = append(obj, ':')
		obj = append(obj, vj...)
		obj = append(obj, ',')
	}
	sj, _ := json.Marshal(signature)
	obj = append(obj, []byte(`"signature":`)...)
	obj = append(obj, sj...)
	obj = append(obj, '}')

	return json.Marshal(wsRequest{ID: id, Method: method, Params: obj})
}

func (s *Session) resolvePending(frame wsFrame) {
	s.pendingMu.Lock()
	pc, ok := s.pending[frame.ID]
	if ok {
		delete(s.pending, frame.ID)
	}
	s.pendingMu.Unlock()
	if !ok {
		s.log.WithField("id", frame.ID).Debug("Response for unknown request id")
		return
	}

	if frame.Status == 200 {
		pc.ch <- callResult{result: frame.Result}
		return
	}
	msg := "request rejected"
	code := frame.Status
	if frame.Error != nil {
		msg = frame.Error.Msg
		if frame.Error.Code != 0 {
			code = frame.Error.Code
		}
	}
	pc.ch <- callResult{err: &VenueError{Code: code, Msg: msg}}
}

func (s *Session) dropPending(id string) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

func (s *Session) failAllPending(err error) {
	s.pendingMu.Lock()
	pending := s.pending
	s.pending = make(map[string]*pendingCall)
	s.pendingMu.Unlock()

	for _, pc := range pending {
		pc.ch <- callResult{err: err}
	}
}

func (s *Session) wsURL() string {
	if s.cfg.WSURL != "" {
		return s.cfg.WSURL
	}
	if s.creds.Credentials().Network == models.NetworkTest {
		return wsTestURL
	}
	return wsMainURL
}
