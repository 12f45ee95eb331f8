package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/application"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/execution"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/infrastructure/metadata"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/infrastructure/persistence/memory"
	"github.com/wyfcoding/matchingcore/pkg/config"
	"github.com/wyfcoding/matchingcore/pkg/logger"
	"github.com/wyfcoding/matchingcore/pkg/metrics"
	"github.com/wyfcoding/matchingcore/pkg/middleware"
	"github.com/wyfcoding/matchingcore/pkg/ratelimit"
)

type fakeExecutor struct {
	got domain.Command
}

func (f *fakeExecutor) Execute(_ context.Context, cmd domain.Command) (*domain.CommandResult, error) {
	f.got = cmd
	return &domain.CommandResult{MessageID: cmd.Header().MessageID, Status: domain.CommandOK}, nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestRouter(t *testing.T) (*gin.Engine, *fakeExecutor) {
	t.Helper()
	return newRouterWithLimiter(t, nil, config.RateLimitConfig{})
}

func newRouterWithLimiter(t *testing.T, limiter ratelimit.Limiter, rl config.RateLimitConfig) (*gin.Engine, *fakeExecutor) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	meta := metadata.NewProvider(metadata.NewConfigLoader(config.MetadataConfig{
		Assets:     []config.AssetConfig{{ID: "BTC", Accuracy: 8}, {ID: "USD", Accuracy: 2}},
		AssetPairs: []config.AssetPairConfig{{ID: "BTCUSD", BaseAssetID: "BTC", QuoteAssetID: "USD", Accuracy: 2}},
	}), 0, logger.Discard())
	require.NoError(t, meta.Refresh(context.Background()))

	state := execution.NewState([]string{"mm"})
	state.Balances.Load([]*domain.AssetBalance{
		{ClientID: "c1", AssetID: "USD", Balance: decimal.NewFromInt(1000), Reserved: decimal.NewFromInt(100)},
		{ClientID: "c1", AssetID: "BTC", Balance: decimal.NewFromInt(2)},
		{ClientID: "mm", AssetID: "USD", Balance: decimal.NewFromInt(500), Reserved: decimal.NewFromInt(50)},
	})
	state.LoadOrders([]*domain.Order{{
		ID: "o1", ExternalID: "e1", ClientID: "c1", AssetPairID: "BTCUSD", Type: domain.OrderTypeLimit, Side: domain.SideBuy,
		Price: decimal.NewFromInt(100), Volume: decimal.NewFromInt(1), Remaining: decimal.NewFromInt(1),
		ReservedLimitVolume: decimal.NewFromInt(100), Status: domain.StatusInOrderBook, Sequence: 1,
	}})
	state.Publish()

	trades := memory.NewRepository()
	require.NoError(t, trades.Persist(context.Background(), &domain.PersistenceData{
		Trades: []*domain.Trade{{TradeID: "t1", AssetPairID: "BTCUSD", Price: decimal.NewFromInt(100), Timestamp: time.Now()}},
	}))

	exec := &fakeExecutor{}
	h := NewMatchingHandler(exec, application.NewQueryService(state, meta), trades, logger.Discard())
	cfg := config.Config{ServiceName: "test", Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"}}
	cfg.HTTP.RateLimit = rl
	return NewRouter(h, metrics.New("test"), limiter, cfg, logger.Discard()), exec
}

func do(t *testing.T, r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func TestGetOrderBook(t *testing.T) {
	r, _ := newTestRouter(t)

	w, env := do(t, r, http.MethodGet, "/api/v1/orderbooks/BTCUSD?depth=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	var book application.OrderBookDTO
	require.NoError(t, json.Unmarshal(env.Data, &book))
	require.Len(t, book.Bids, 1)
	assert.Equal(t, "100", book.Bids[0].Price)
	assert.Empty(t, book.Asks)
	assert.Nil(t, book.MidPrice)

	w, _ = do(t, r, http.MethodGet, "/api/v1/orderbooks/ETHUSD", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, r, http.MethodGet, "/api/v1/orderbooks/BTCUSD?depth=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetOrders(t *testing.T) {
	r, _ := newTestRouter(t)

	w, env := do(t, r, http.MethodGet, "/api/v1/orderbooks/BTCUSD/orders", "")
	require.Equal(t, http.StatusOK, w.Code)
	var orders []application.OrderDTO
	require.NoError(t, json.Unmarshal(env.Data, &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, "e1", orders[0].ExternalID)
	assert.Equal(t, "IN_ORDER_BOOK", orders[0].Status)
}

func TestGetBalances(t *testing.T) {
	r, _ := newTestRouter(t)

	w, env := do(t, r, http.MethodGet, "/api/v1/balances/c1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var balances []application.BalanceDTO
	require.NoError(t, json.Unmarshal(env.Data, &balances))
	require.Len(t, balances, 2)
	assert.Equal(t, "BTC", balances[0].AssetID)
	assert.Equal(t, "900", balances[1].Available)

	w, env = do(t, r, http.MethodGet, "/api/v1/balances/mm/USD", "")
	require.Equal(t, http.StatusOK, w.Code)
	var trusted application.BalanceDTO
	require.NoError(t, json.Unmarshal(env.Data, &trusted))
	assert.Equal(t, "500", trusted.Available)

	w, _ = do(t, r, http.MethodGet, "/api/v1/balances/c1/EUR", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetTrades(t *testing.T) {
	r, _ := newTestRouter(t)

	w, env := do(t, r, http.MethodGet, "/api/v1/trades/BTCUSD?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	var trades []domain.Trade
	require.NoError(t, json.Unmarshal(env.Data, &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, "t1", trades[0].TradeID)

	w, _ = do(t, r, http.MethodGet, "/api/v1/trades/BTCUSD?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitCommand(t *testing.T) {
	r, exec := newTestRouter(t)

	w, env := do(t, r, http.MethodPost, "/api/v1/commands",
		`{"type":"CASH_IN_OUT","message_id":"m1","client_id":"c1","asset_id":"USD","amount":"10"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res domain.CommandResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, domain.CommandOK, res.Status)
	cash, ok := exec.got.(*domain.CashInOutCommand)
	require.True(t, ok)
	assert.True(t, cash.Amount.Equal(decimal.NewFromInt(10)))

	w, _ = do(t, r, http.MethodPost, "/api/v1/commands", `{"type":"CASH_IN_OUT","amount":"ten"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	r, _ := newTestRouter(t)

	w, _ := do(t, r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "trading_test")
}

// groupLimiter 记录每次判定的路由组与调用方，拒绝 deny 中的组
type groupLimiter struct {
	calls []string
	deny  map[string]bool
	rules map[string]ratelimit.Rule
}

func (l *groupLimiter) Allow(_ context.Context, rule ratelimit.Rule, subject string) (ratelimit.Decision, error) {
	l.calls = append(l.calls, rule.Group+"|"+subject)
	l.rules[rule.Group] = rule
	return ratelimit.Decision{Allowed: !l.deny[rule.Group], RetryAfter: time.Second}, nil
}

func TestRouter_RateLimitGroups(t *testing.T) {
	l := &groupLimiter{deny: map[string]bool{"commands": true}, rules: map[string]ratelimit.Rule{}}
	r, exec := newRouterWithLimiter(t, l, config.RateLimitConfig{
		Enabled:  true,
		Commands: config.RateRule{QPS: 10, Burst: 20},
		Queries:  config.RateRule{QPS: 50, Burst: 100},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands",
		strings.NewReader(`{"type":"CASH_IN_OUT","message_id":"m1","client_id":"c1","asset_id":"USD","amount":"10"}`))
	req.Header.Set(middleware.ClientHeader, "c1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Nil(t, exec.got)

	// 指令组被限流，查询组仍然放行
	w, _ = do(t, r, http.MethodGet, "/api/v1/balances/c1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []string{"commands|client:c1", "queries|client:c1"}, l.calls)
	assert.Equal(t, ratelimit.Rule{Group: "commands", PerSecond: 10, Burst: 20}, l.rules["commands"])
	assert.Equal(t, ratelimit.Rule{Group: "queries", PerSecond: 50, Burst: 100}, l.rules["queries"])

	// 关闭限流时不调用限流器
	l2 := &groupLimiter{rules: map[string]ratelimit.Rule{}}
	r, _ = newRouterWithLimiter(t, l2, config.RateLimitConfig{})
	w, _ = do(t, r, http.MethodGet, "/api/v1/balances/c1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, l2.calls)
}
