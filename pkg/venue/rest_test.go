package venue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/pkg/models"
)

func newRestFixture(t *testing.T, handler http.HandlerFunc) *RestClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cs := &stubCreds{c: models.Credentials{Key: "key", Secret: "secret"}}
	c := NewRestClient(cs, 5000, testLogger())
	c.baseURL = srv.URL
	return c
}

func TestExchangeInfoParsesFilters(t *testing.T) {
	c := newRestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/exchangeInfo", r.URL.Path)
		_, _ = w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","status":"TRADING",
			"pricePrecision":2,"quantityPrecision":3,"filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.10"},
			{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"1000"},
			{"filterType":"MIN_NOTIONAL","notional":"100"}]}]}`))
	})

	rules, err := c.ExchangeInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	rule := rules[0]
	assert.Equal(t, "BTCUSDT", rule.Symbol)
	assert.Equal(t, 2, rule.PricePrecision)
	assert.Equal(t, 3, rule.QuantityPrecision)
	assert.Equal(t, "0.10", rule.TickSize)
	assert.Equal(t, "0.001", rule.StepSize)
	assert.Equal(t, "0.001", rule.MinQty)
	assert.Equal(t, "1000", rule.MaxQty)
	assert.Equal(t, 100.0, rule.MinNotional)
}

func TestExchangeInfoEmptyPayload(t *testing.T) {
	c := newRestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"symbols":[]}`))
	})

	_, err := c.ExchangeInfo(context.Background())
	var se *SchemaError
	require.ErrorAs(t, err, &se)
}

func TestSignedCallQueryShape(t *testing.T) {
	var query string
	var apiKey string
	c := newRestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		apiKey = r.Header.Get(apiKeyHeader)
		_, _ = w.Write([]byte(`{"dualSidePosition":true}`))
	})

	mode, err := c.PositionMode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.ModeHedge, mode)

	assert.Equal(t, "key", apiKey)
	assert.Contains(t, query, "timestamp=")
	assert.Contains(t, query, "recvWindow=5000")

	// The signature is the last query parameter and covers everything before it.
	idx := strings.LastIndex(query, "&signature=")
	require.Greater(t, idx, 0)
	unsigned := query[:idx]
	signature := query[idx+len("&signature="):]

	params := map[string]string{}
	for _, pair := range strings.Split(unsigned, "&") {
		k, v, ok := strings.Cut(pair, "=")
		require.True(t, ok)
		params[k] = v
	}
	assert.Equal(t, Sign(params, "secret"), signature)
}

func TestSetLeverageSendsSymbol(t *testing.T) {
	var method, path string
	var query map[string]string
	c := newRestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		query = map[string]string{}
		for k, vs := range r.URL.Query() {
			query[k] = vs[0]
		}
		_, _ = w.Write([]byte(`{}`))
	})

	require.NoError(t, c.SetLeverage(context.Background(), "BTCUSDT", 20))
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/fapi/v1/leverage", path)
	assert.Equal(t, "BTCUSDT", query["symbol"])
	assert.Equal(t, "20", query["leverage"])
}

func TestSetMarginTypeWireValues(t *testing.T) {
	var query map[string]string
	c := newRestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		query = map[string]string{}
		for k, vs := range r.URL.Query() {
			query[k] = vs[0]
		}
		_, _ = w.Write([]byte(`{}`))
	})

	require.NoError(t, c.SetMarginType(context.Background(), "BTCUSDT", models.MarginIsolated))
	assert.Equal(t, "ISOLATED", query["marginType"])
}

func TestRestRejectionBecomesVenueError(t *testing.T) {
	c := newRestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-4046,"msg":"No need to change margin type."}`))
	})

	err := c.SetMarginType(context.Background(), "BTCUSDT", models.MarginCrossed)
	var ve *VenueError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, -4046, ve.Code)
	assert.Equal(t, "No need to change margin type.", ve.Msg)
}

func TestRestOpaqueFailureBecomesNetworkError(t *testing.T) {
	c := newRestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`upstream exploded`))
	})

	err := c.SetLeverage(context.Background(), "BTCUSDT", 10)
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
}

func TestSignedCallRequiresCredentials(t *testing.T) {
	c := NewRestClient(&stubCreds{}, 5000, testLogger())
	err := c.SetLeverage(context.Background(), "BTCUSDT", 10)
	require.ErrorIs(t, err, ErrNoCredentials)
}
