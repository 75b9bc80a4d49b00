package venue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"tradedesk/pkg/models"
)

const (
	restMainURL = "https://fapi.tradevenue.com"
	restTestURL = "https://testnet.tradevenue.com"

	apiKeyHeader = "X-MBX-APIKEY"
)

// CredentialProvider supplies the current API credentials. Implemented by the
// credential store; the client never caches a copy so a credential change
// takes effect on the next call.
type CredentialProvider interface {
	Credentials() models.Credentials
}

// RestClient performs the venue's HTTPS calls: unsigned instrument metadata
// plus the signed account-configuration endpoints that have no websocket
// equivalent. Every signed call appends timestamp and recvWindow before
// signing, with the signature as the final query parameter.
type RestClient struct {
	creds      CredentialProvider
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logrus.Logger
	recvWindow int
	baseURL    string // overrides network selection when set (tests)
}

func NewRestClient(creds CredentialProvider, recvWindowMillis int, log *logrus.Logger) *RestClient {
	return &RestClient{
		creds:      creds,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		log:        log,
		recvWindow: recvWindowMillis,
	}
}

func (c *RestClient) endpoint() string {
	if c.baseURL != "" {
		return c.baseURL
	}
	if c.creds.Credentials().Network == models.NetworkTest {
		return restTestURL
	}
	return restMainURL
}

// ExchangeInfo fetches the full instrument list. Unsigned.
func (c *RestClient) ExchangeInfo(ctx context.Context) ([]models.SymbolRule, error) {
	body, err := c.get(ctx, "/fapi/v1/exchangeInfo", "")
	if err != nil {
		return nil, err
	}

	var payload struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			Status            string `json:"status"`
			PricePrecision    int    `json:"pricePrecision"`
			QuantityPrecision int    `json:"quantityPrecision"`
			Filters           []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize,omitempty"`
				StepSize    string `json:"stepSize,omitempty"`
				MinQty      string `json:"minQty,omitempty"`
				MaxQty      string `json:"maxQty,omitempty"`
				MinNotional string `json:"notional,omitempty"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &SchemaError{Op: "exchangeInfo", Err: err}
	}
	if len(payload.Symbols) == 0 {
		return nil, &SchemaError{Op: "exchangeInfo", Err: fmt.Errorf("no symbols in payload")}
	}

	rules := make([]models.SymbolRule, 0, len(payload.Symbols))
	for _, s := range payload.Symbols {
		rule := models.SymbolRule{
			Symbol:            s.Symbol,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				rule.TickSize = f.TickSize
			case "LOT_SIZE":
				rule.StepSize = f.StepSize
				rule.MinQty = f.MinQty
				rule.MaxQty = f.MaxQty
			case "MIN_NOTIONAL":
				rule.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// LeverageBrackets fetches the leverage tier ladders for all symbols. Signed.
// Tiers come back sorted descending by leverage ceiling, the order the
// max-position-size calculation consumes them in.
func (c *RestClient) LeverageBrackets(ctx context.Context) (map[string]models.LeverageBracket, error) {
	body, err := c.signedCall(ctx, http.MethodGet, "/fapi/v1/leverageBracket", nil)
	if err != nil {
		return nil, err
	}

	var payload []struct {
		Symbol   string `json:"symbol"`
		Brackets []struct {
			InitialLeverage  int     `json:"initialLeverage"`
			NotionalCap      float64 `json:"notionalCap"`
			NotionalFloor    float64 `json:"notionalFloor"`
			MaintMarginRatio float64 `json:"maintMarginRatio"`
		} `json:"brackets"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &SchemaError{Op: "leverageBracket", Err: err}
	}

	out := make(map[string]models.LeverageBracket, len(payload))
	for _, entry := range payload {
		bracket := models.LeverageBracket{Symbol: entry.Symbol}
		for _, b := range entry.Brackets {
			bracket.Tiers = append(bracket.Tiers, models.BracketTier{
				LeverageCeiling: b.InitialLeverage,
				NotionalCap:     b.NotionalCap,
				NotionalFloor:   b.NotionalFloor,
				MaintMarginRate: b.MaintMarginRatio,
			})
		}
		sort.Slice(bracket.Tiers, func(i, j int) bool {
			return bracket.Tiers[i].LeverageCeiling > bracket.Tiers[j].LeverageCeiling
		})
		out[entry.Symbol] = bracket
	}
	return out, nil
}

// PositionMode fetches whether the account is in hedge mode. Signed GET.
func (c *RestClient) PositionMode(ctx context.Context) (models.PositionMode, error) {
	body, err := c.signedCall(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", nil)
	if err != nil {
		return "", err
	}
	var payload struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &SchemaError{Op: "positionMode", Err: err}
	}
	if payload.DualSidePosition {
		return models.ModeHedge, nil
	}
	return models.ModeOneWay, nil
}

// SetPositionMode switches the account between one-way and hedge mode. Signed POST.
func (c *RestClient) SetPositionMode(ctx context.Context, mode models.PositionMode) error {
	dual := "false"
	if mode == models.ModeHedge {
		dual = "true"
	}
	_, err := c.signedCall(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", map[string]string{
		"dualSidePosition": dual,
	})
	return err
}

// SetLeverage changes one symbol's leverage. Signed POST.
func (c *RestClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.signedCall(ctx, http.MethodPost, "/fapi/v1/leverage", map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	})
	return err
}

// SetMarginType changes one symbol's margin type. Signed POST.
func (c *RestClient) SetMarginType(ctx context.Context, symbol string, marginType models.MarginType) error {
	wire := "CROSSED"
	if marginType == models.MarginIsolated {
		wire = "ISOLATED"
	}
	_, err := c.signedCall(ctx, http.MethodPost, "/fapi/v1/marginType", map[string]string{
		"symbol":     symbol,
		"marginType": wire,
	})
	return err
}

func (c *RestClient) signedCall(ctx context.Context, method, path string, params map[string]string) ([]byte, error) {
	creds := c.creds.Credentials()
	if creds.Empty() {
		return nil, ErrNoCredentials
	}

	if params == nil {
		params = make(map[string]string, 2)
	}
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	params["recvWindow"] = strconv.Itoa(c.recvWindow)
	query := SignedQuery(params, creds.Secret)

	if method == http.MethodGet {
		return c.get(ctx, path, query)
	}
	return c.do(ctx, method, path, query)
}

func (c *RestClient) get(ctx context.Context, path, query string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, query)
}

func (c *RestClient) do(ctx context.Context, method, path, query string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := c.endpoint() + path
	if query != "" {
		url += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, &NetworkError{Op: path, Err: err}
	}
	if key := c.creds.Credentials().Key; key != "" {
		req.Header.Set(apiKeyHeader, key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: path, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var ve struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if err := json.Unmarshal(body, &ve); err != nil || ve.Msg == "" {
			return nil, &NetworkError{Op: path, Err: fmt.Errorf("status %d", resp.StatusCode)}
		}
		return nil, &VenueError{Code: ve.Code, Msg: ve.Msg}
	}
	return body, nil
}
