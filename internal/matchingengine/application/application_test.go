package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/execution"
	"github.com/wyfcoding/matchingcore/pkg/logger"
	"github.com/wyfcoding/matchingcore/pkg/metrics"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type stubMeta struct {
	assets map[string]*domain.Asset
	pairs  map[string]*domain.AssetPair
}

func (m stubMeta) Asset(id string) (*domain.Asset, bool) {
	a, ok := m.assets[id]
	return a, ok
}

func (m stubMeta) AssetPair(id string) (*domain.AssetPair, bool) {
	p, ok := m.pairs[id]
	return p, ok
}

func (m stubMeta) AssetPairs() []*domain.AssetPair {
	out := make([]*domain.AssetPair, 0, len(m.pairs))
	for _, p := range m.pairs {
		out = append(out, p)
	}
	return out
}

func newMeta() stubMeta {
	return stubMeta{
		assets: map[string]*domain.Asset{
			"BTC": {ID: "BTC", Accuracy: 8},
			"USD": {ID: "USD", Accuracy: 2},
		},
		pairs: map[string]*domain.AssetPair{
			"BTCUSD": {ID: "BTCUSD", BaseAssetID: "BTC", QuoteAssetID: "USD", Accuracy: 2},
		},
	}
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) next(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s%d", prefix, s.n)
}

func (s *seqIDs) NextOrderID() string { return s.next("o") }
func (s *seqIDs) NextTradeID() string { return s.next("t") }

type fakeSink struct {
	mu        sync.Mutex
	failures  int
	calls     int
	persisted []*domain.PersistenceData
}

func (s *fakeSink) Persist(_ context.Context, data *domain.PersistenceData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("database unavailable")
	}
	s.persisted = append(s.persisted, data)
	return nil
}

type fakeEventSink struct {
	mu       sync.Mutex
	failures int
	events   []*domain.OutgoingEvent
}

func (s *fakeEventSink) Publish(_ context.Context, ev *domain.OutgoingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("broker unavailable")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeEventSink) published() []*domain.OutgoingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.OutgoingEvent(nil), s.events...)
}

type fakeDedup struct {
	seen map[string]bool
}

func (f *fakeDedup) MarkIfAbsent(_ context.Context, id string) (bool, error) {
	if f.seen[id] {
		return false, nil
	}
	f.seen[id] = true
	return true, nil
}

func (f *fakeDedup) Forget(_ context.Context, id string) error {
	delete(f.seen, id)
	return nil
}

type fixture struct {
	t       *testing.T
	state   *execution.State
	meta    stubMeta
	sink    *fakeSink
	events  *fakeEventSink
	metrics *metrics.Metrics
	ids     *seqIDs
	matcher *Matcher
	pre     *Preprocessor
	expiry  *ExpiryWatcher
	msg     int
}

func newFixture(t *testing.T, trusted ...string) *fixture {
	f := &fixture{
		t:       t,
		state:   execution.NewState(trusted),
		meta:    newMeta(),
		sink:    &fakeSink{},
		events:  &fakeEventSink{},
		metrics: metrics.New("test"),
		ids:     &seqIDs{},
	}
	l := logger.Discard()
	proc := NewProcessor(f.ids, 16, l, f.metrics)
	pm := NewPersistenceManager(f.sink, l, f.metrics)
	disp := NewEventDispatcher(f.events, EventDispatcherConfig{QueueSize: 4096}, l, f.metrics)
	f.expiry = NewExpiryWatcher(time.Second, func(context.Context, domain.Command) error { return nil }, f.ids.NextOrderID, l)
	f.matcher = NewMatcher(64, f.state, f.meta, proc, pm, disp, f.expiry, l, f.metrics)
	f.matcher.now = func() time.Time { return t0 }
	f.pre = NewPreprocessor(1, 16, f.meta, &fakeDedup{seen: map[string]bool{}}, f.matcher, f.ids, l, f.metrics)
	return f
}

func (f *fixture) header(client string) domain.CommandHeader {
	f.msg++
	return domain.CommandHeader{MessageID: fmt.Sprintf("m%d", f.msg), ClientID: client, ReceivedAt: t0}
}

// exec 走预处理校验后直接在撮合线程逻辑中同步处理
func (f *fixture) exec(cmd domain.Command) *domain.CommandResult {
	if err := f.pre.prepare(cmd); err != nil {
		return domain.RejectedResult(cmd.Header().MessageID, err)
	}
	return f.matcher.Handle(context.Background(), &Envelope{Command: cmd})
}

func (f *fixture) deposit(client, asset, amount string) {
	res := f.exec(&domain.CashInOutCommand{CommandHeader: f.header(client), AssetID: asset, Amount: d(amount)})
	require.Equal(f.t, domain.CommandOK, res.Status, res.Message)
}

func (f *fixture) limit(client, ext string, side domain.OrderSide, price, volume string) *domain.CommandResult {
	return f.exec(&domain.LimitOrderCommand{
		CommandHeader: f.header(client),
		Order: &domain.Order{
			ExternalID:  ext,
			AssetPairID: "BTCUSD",
			Type:        domain.OrderTypeLimit,
			Side:        side,
			Price:       d(price),
			Volume:      d(volume),
		},
	})
}

func (f *fixture) balance(client, asset string) (string, string) {
	b, r := f.state.Balances.Get(client, asset)
	return b.String(), r.String()
}

func orderByExt(res *domain.CommandResult, ext string) *domain.Order {
	for _, o := range res.Orders {
		if o.ExternalID == ext && o.Type != domain.OrderTypeStopLimit {
			return o
		}
	}
	return nil
}

func TestLimitOrder_RestsAndReserves(t *testing.T) {
	f := newFixture(t)
	f.deposit("buyer", "USD", "1000")

	res := f.limit("buyer", "b1", domain.SideBuy, "100", "1.5")

	require.Equal(t, domain.CommandOK, res.Status, res.Message)
	o := orderByExt(res, "b1")
	require.NotNil(t, o)
	assert.Equal(t, domain.StatusInOrderBook, o.Status)
	assert.True(t, o.ReservedLimitVolume.Equal(d("150")))

	bal, res2 := f.balance("buyer", "USD")
	assert.Equal(t, "1000", bal)
	assert.Equal(t, "150", res2)

	ob, ok := f.state.Snapshot().OrderBook("BTCUSD")
	require.True(t, ok)
	best, ok := ob.BestBid()
	require.True(t, ok)
	assert.True(t, best.Equal(d("100")))
}

func TestLimitOrder_PartialFillOfFullyReservedMaker(t *testing.T) {
	f := newFixture(t)
	f.meta.pairs["BTCUSD"].Accuracy = 3
	f.deposit("buyer", "USD", "0.01")
	f.deposit("seller", "BTC", "1")

	res := f.limit("buyer", "b1", domain.SideBuy, "0.009", "1")
	require.Equal(t, domain.CommandOK, res.Status, res.Message)
	_, reserved := f.balance("buyer", "USD")
	require.Equal(t, "0.01", reserved)

	// 0.6 * 0.009 = 0.0054，成交额按 HalfUp 取 0.01，剩余冻结按 RoundUp 仍是 0.01
	res = f.limit("seller", "s1", domain.SideSell, "0.009", "0.6")

	require.Equal(t, domain.CommandOK, res.Status, res.Message)
	require.Len(t, res.Trades, 1)
	assert.True(t, res.Trades[0].QuoteVolume.Equal(d("0.01")))
	bal, reserved := f.balance("buyer", "USD")
	assert.Equal(t, "0", bal)
	assert.Equal(t, "0", reserved)
	maker := orderByExt(res, "b1")
	require.NotNil(t, maker)
	assert.Equal(t, domain.StatusPartiallyMatched, maker.Status)
	assert.True(t, maker.ReservedLimitVolume.IsZero())
}

func TestLimitOrder_PriceTimePriorityAcrossCommands(t *testing.T) {
	f := newFixture(t)
	f.deposit("buyer1", "USD", "1000")
	f.deposit("buyer2", "USD", "1000")
	f.deposit("seller", "BTC", "2")
	require.Equal(t, domain.CommandOK, f.limit("buyer1", "b1", domain.SideBuy, "100", "1.0").Status)
	require.Equal(t, domain.CommandOK, f.limit("buyer2", "b2", domain.SideBuy, "100", "1.0").Status)

	res := f.limit("seller", "s1", domain.SideSell, "100", "1.5")

	require.Equal(t, domain.CommandOK, res.Status, res.Message)
	require.Len(t, res.Trades, 2)
	assert.Equal(t, "buyer1", res.Trades[0].MakerClientID)
	assert.True(t, res.Trades[0].BaseVolume.Equal(d("1.0")))
	assert.Equal(t, "buyer2", res.Trades[1].MakerClientID)
	assert.True(t, res.Trades[1].BaseVolume.Equal(d("0.5")))

	for _, c := range []struct {
		client, asset, balance, reserved string
	}{
		{"buyer1", "BTC", "1", "0"},
		{"buyer1", "USD", "900", "0"},
		{"buyer2", "BTC", "0.5", "0"},
		{"buyer2", "USD", "950", "50"},
		{"seller", "BTC", "0.5", "0"},
		{"seller", "USD", "150", "0"},
	} {
		b, r := f.state.Balances.Get(c.client, c.asset)
		assert.True(t, b.Equal(d(c.balance)), "%s %s balance %s", c.client, c.asset, b)
		assert.True(t, r.Equal(d(c.reserved)), "%s %s reserved %s", c.client, c.asset, r)
	}

	ob, _ := f.state.Snapshot().OrderBook("BTCUSD")
	require.Equal(t, 1, ob.Bids.Size())
	assert.True(t, ob.Bids.Best().Remaining.Equal(d("0.5")))
	assert.Equal(t, 0, ob.Asks.Size())
}

func TestLimitOrder_SelfMatchRejected(t *testing.T) {
	f := newFixture(t)
	f.deposit("client1", "USD", "1000")
	f.deposit("client1", "BTC", "1")
	require.Equal(t, domain.CommandOK, f.limit("client1", "buy", domain.SideBuy, "100", "1").Status)
	persistedBefore := len(f.sink.persisted)

	res := f.limit("client1", "sell", domain.SideSell, "100", "1")

	assert.Equal(t, domain.CommandRejected, res.Status)
	assert.Equal(t, domain.RejectLeadToNegativeSpread, res.Reason)
	assert.Empty(t, res.Trades)
	b, r := f.balance("client1", "BTC")
	assert.Equal(t, "1", b)
	assert.Equal(t, "0", r)
	b, r = f.balance("client1", "USD")
	assert.Equal(t, "1000", b)
	assert.Equal(t, "100", r)
	ob, _ := f.state.Snapshot().OrderBook("BTCUSD")
	assert.Equal(t, 1, ob.Bids.Size())

	require.Len(t, f.sink.persisted, persistedBefore+1)
	last := f.sink.persisted[len(f.sink.persisted)-1]
	assert.Empty(t, last.Balances)
	assert.Empty(t, last.Trades)
}

func TestLimitOrder_Rejections(t *testing.T) {
	f := newFixture(t)
	f.deposit("buyer", "USD", "100")

	cases := []struct {
		name   string
		price  string
		volume string
		reason domain.RejectReason
	}{
		{"not enough funds", "100", "2", domain.RejectNotEnoughFunds},
		{"zero price", "0", "1", domain.RejectInvalidPrice},
		{"price accuracy", "10.001", "1", domain.RejectInvalidPriceAccuracy},
		{"volume accuracy", "10", "0.000000001", domain.RejectInvalidVolumeAccuracy},
		{"negative volume", "10", "-1", domain.RejectInvalidVolume},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := f.limit("buyer", fmt.Sprintf("r%d", i), domain.SideBuy, tc.price, tc.volume)
			assert.Equal(t, domain.CommandRejected, res.Status)
			assert.Equal(t, tc.reason, res.Reason)
			if o := orderByExt(res, fmt.Sprintf("r%d", i)); o != nil {
				assert.Equal(t, domain.StatusRejected, o.Status)
			}
		})
	}
	_, r := f.balance("buyer", "USD")
	assert.Equal(t, "0", r)
}

func TestLimitOrder_DuplicateAndReplace(t *testing.T) {
	f := newFixture(t)
	f.deposit("buyer", "USD", "1000")
	require.Equal(t, domain.CommandOK, f.limit("buyer", "r1", domain.SideBuy, "100", "1").Status)

	res := f.limit("buyer", "r1", domain.SideBuy, "99", "1")
	assert.Equal(t, domain.RejectDuplicateOrder, res.Reason)

	res = f.exec(&domain.LimitOrderCommand{
		CommandHeader:  f.header("buyer"),
		Order:          &domain.Order{ExternalID: "r2", AssetPairID: "BTCUSD", Type: domain.OrderTypeLimit, Side: domain.SideBuy, Price: d("99"), Volume: d("2")},
		ReplaceOrderID: "missing",
	})
	assert.Equal(t, domain.RejectNotFoundPrevious, res.Reason)

	res = f.exec(&domain.LimitOrderCommand{
		CommandHeader:  f.header("buyer"),
		Order:          &domain.Order{ExternalID: "r2", AssetPairID: "BTCUSD", Type: domain.OrderTypeLimit, Side: domain.SideBuy, Price: d("99"), Volume: d("2")},
		ReplaceOrderID: "r1",
	})
	require.Equal(t, domain.CommandOK, res.Status, res.Message)
	assert.Equal(t, domain.StatusCancelled, orderByExt(res, "r1").Status)
	assert.Equal(t, domain.StatusInOrderBook, orderByExt(res, "r2").Status)
	_, r := f.balance("buyer", "USD")
	assert.Equal(t, "198", r)
}

func TestMarketOrder(t *testing.T) {
	f := newFixture(t)
	f.deposit("seller", "BTC", "1")
	f.deposit("buyer", "USD", "1000")
	require.Equal(t, domain.CommandOK, f.limit("seller", "s1", domain.SideSell, "100", "1").Status)

	res := f.exec(&domain.MarketOrderCommand{
		CommandHeader: f.header("buyer"),
		Order:         &domain.Order{ExternalID: "m1", AssetPairID: "BTCUSD", Side: domain.SideBuy, Volume: d("5")},
	})
	assert.Equal(t, domain.CommandRejected, res.Status)
	assert.Equal(t, domain.RejectNoLiquidity, res.Reason)

	res = f.exec(&domain.MarketOrderCommand{
		CommandHeader: f.header("buyer"),
		Order:         &domain.Order{ExternalID: "m2", AssetPairID: "BTCUSD", Side: domain.SideBuy, Volume: d("1")},
	})
	require.Equal(t, domain.CommandOK, res.Status, res.Message)
	require.Len(t, res.Trades, 1)
	b, _ := f.balance("buyer", "USD")
	assert.Equal(t, "900", b)
	b, _ = f.balance("buyer", "BTC")
	assert.Equal(t, "1", b)
}

func TestMarketOrder_SellNeedsFunds(t *testing.T) {
	f := newFixture(t)
	f.deposit("buyer", "USD", "1000")
	require.Equal(t, domain.CommandOK, f.limit("buyer", "b1", domain.SideBuy, "100", "1").Status)

	res := f.exec(&domain.MarketOrderCommand{
		CommandHeader: f.header("seller"),
		Order:         &domain.Order{ExternalID: "m1", AssetPairID: "BTCUSD", Side: domain.SideSell, Volume: d("1")},
	})
	assert.Equal(t, domain.RejectNotEnoughFunds, res.Reason)
}

func TestCancelAndMassCancel(t *testing.T) {
	f := newFixture(t)
	f.deposit("client", "USD", "1000")
	f.deposit("client", "BTC", "5")
	require.Equal(t, domain.CommandOK, f.limit("client", "b1", domain.SideBuy, "100", "1").Status)
	require.Equal(t, domain.CommandOK, f.limit("client", "b2", domain.SideBuy, "90", "1").Status)
	require.Equal(t, domain.CommandOK, f.limit("client", "a1", domain.SideSell, "200", "2").Status)

	res := f.exec(&domain.CancelOrderCommand{CommandHeader: f.header("other"), ExternalIDs: []string{"b1"}})
	assert.Equal(t, domain.RejectOrderNotFound, res.Reason)

	res = f.exec(&domain.CancelOrderCommand{CommandHeader: f.header("client"), ExternalIDs: []string{"b1"}})
	require.Equal(t, domain.CommandOK, res.Status, res.Message)
	_, r := f.balance("client", "USD")
	assert.Equal(t, "90", r)

	res = f.exec(&domain.MassCancelCommand{CommandHeader: f.header("client"), AssetPairID: "BTCUSD", Side: domain.SideBuy})
	require.Equal(t, domain.CommandOK, res.Status, res.Message)
	_, r = f.balance("client", "USD")
	assert.Equal(t, "0", r)
	_, r = f.balance("client", "BTC")
	assert.Equal(t, "2", r)

	res = f.exec(&domain.MassCancelCommand{CommandHeader: f.header("client")})
	require.Equal(t, domain.CommandOK, res.Status)
	_, r = f.balance("client", "BTC")
	assert.Equal(t, "0", r)
	assert.Equal(t, 0, f.state.Books.Size())
}

func TestStopOrderCascade(t *testing.T) {
	f := newFixture(t)
	f.deposit("s1", "BTC", "1")
	f.deposit("s2", "BTC", "1")
	f.deposit("stopper", "USD", "1000")
	f.deposit("taker", "USD", "1000")
	require.Equal(t, domain.CommandOK, f.limit("s1", "a1", domain.SideSell, "100", "1").Status)
	require.Equal(t, domain.CommandOK, f.limit("s2", "a2", domain.SideSell, "110", "1").Status)

	res := f.exec(&domain.LimitOrderCommand{
		CommandHeader: f.header("stopper"),
		Order: &domain.Order{
			ExternalID:  "stop1",
			AssetPairID: "BTCUSD",
			Type:        domain.OrderTypeStopLimit,
			Side:        domain.SideBuy,
			Volume:      d("1"),
			StopLimit:   &domain.StopLimitParams{UpperLimitPrice: dp("105"), UpperPrice: dp("110")},
		},
	})
	require.Equal(t, domain.CommandOK, res.Status, res.Message)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, domain.StatusPending, res.Orders[0].Status)
	_, r := f.balance("stopper", "USD")
	assert.Equal(t, "110", r)

	res = f.limit("taker", "t1", domain.SideBuy, "100", "1")
	require.Equal(t, domain.CommandOK, res.Status, res.Message)
	require.Len(t, res.Trades, 2)
	assert.Equal(t, "taker", res.Trades[0].TakerClientID)
	assert.Equal(t, "stopper", res.Trades[1].TakerClientID)
	assert.True(t, res.Trades[1].Price.Equal(d("110")))

	var stop, child *domain.Order
	for _, o := range res.Orders {
		if o.ExternalID != "stop1" {
			continue
		}
		if o.Type == domain.OrderTypeStopLimit {
			stop = o
		} else {
			child = o
		}
	}
	require.NotNil(t, stop)
	require.NotNil(t, child)
	assert.Equal(t, domain.StatusExecuted, stop.Status)
	assert.Equal(t, child.ID, stop.ChildOrderID)
	assert.Equal(t, stop.ID, child.ParentOrderID)
	assert.Equal(t, domain.StatusMatched, child.Status)

	b, r := f.balance("stopper", "USD")
	assert.Equal(t, "890", b)
	assert.Equal(t, "0", r)
	b, _ = f.balance("stopper", "BTC")
	assert.Equal(t, "1", b)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CascadeStepsTotal))
	sb, _ := f.state.Snapshot().StopBook("BTCUSD")
	assert.Equal(t, 0, sb.Size())
}

func TestStopOrderCascade_FailedChildRejectsStop(t *testing.T) {
	f := newFixture(t)
	f.deposit("s1", "BTC", "1")
	f.deposit("stopper", "USD", "1000")
	f.deposit("stopper", "BTC", "1")
	f.deposit("taker", "USD", "1000")
	require.Equal(t, domain.CommandOK, f.limit("s1", "a1", domain.SideSell, "100", "1").Status)
	// 止损子单会与本人卖单自成交
	require.Equal(t, domain.CommandOK, f.limit("stopper", "own", domain.SideSell, "110", "1").Status)
	require.Equal(t, domain.CommandOK, f.exec(&domain.LimitOrderCommand{
		CommandHeader: f.header("stopper"),
		Order: &domain.Order{
			ExternalID: "stop1", AssetPairID: "BTCUSD", Type: domain.OrderTypeStopLimit, Side: domain.SideBuy, Volume: d("1"),
			StopLimit: &domain.StopLimitParams{UpperLimitPrice: dp("105"), UpperPrice: dp("110")},
		},
	}).Status)

	res := f.limit("taker", "t1", domain.SideBuy, "100", "1")

	require.Equal(t, domain.CommandOK, res.Status, res.Message)
	require.Len(t, res.Trades, 1)
	var stop *domain.Order
	for _, o := range res.Orders {
		if o.ExternalID == "stop1" {
			stop = o
		}
	}
	require.NotNil(t, stop)
	assert.Equal(t, domain.StatusRejected, stop.Status)
	assert.Equal(t, domain.RejectLeadToNegativeSpread, stop.RejectReason)
	_, r := f.balance("stopper", "USD")
	assert.Equal(t, "0", r)
}

func TestCashOutAndTransfer(t *testing.T) {
	f := newFixture(t)
	f.deposit("a", "USD", "10")

	res := f.exec(&domain.CashInOutCommand{CommandHeader: f.header("a"), AssetID: "USD", Amount: d("-20")})
	assert.Equal(t, domain.RejectNotEnoughFunds, res.Reason)
	res = f.exec(&domain.CashInOutCommand{CommandHeader: f.header("a"), AssetID: "USD", Amount: d("0.001")})
	assert.Equal(t, domain.RejectInvalidVolumeAccuracy, res.Reason)
	res = f.exec(&domain.CashInOutCommand{CommandHeader: f.header("a"), AssetID: "EUR", Amount: d("1")})
	assert.Equal(t, domain.RejectUnknownAsset, res.Reason)

	res = f.exec(&domain.TransferCommand{CommandHeader: f.header("a"), FromClientID: "a", ToClientID: "b", AssetID: "USD", Amount: d("30"), OverdraftLimit: d("10")})
	assert.Equal(t, domain.RejectNotEnoughFunds, res.Reason)

	res = f.exec(&domain.TransferCommand{CommandHeader: f.header("a"), FromClientID: "a", ToClientID: "b", AssetID: "USD", Amount: d("15"), OverdraftLimit: d("10")})
	require.Equal(t, domain.CommandOK, res.Status, res.Message)
	b, _ := f.balance("a", "USD")
	assert.Equal(t, "-5", b)
	b, _ = f.balance("b", "USD")
	assert.Equal(t, "15", b)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.BalanceInvariantViolations.WithLabelValues("true")))
}

func TestExpireOrders(t *testing.T) {
	f := newFixture(t)
	f.deposit("buyer", "USD", "1000")
	expires := t0.Add(time.Minute)
	res := f.exec(&domain.LimitOrderCommand{
		CommandHeader: f.header("buyer"),
		Order: &domain.Order{
			ExternalID: "gtd", AssetPairID: "BTCUSD", Type: domain.OrderTypeLimit, Side: domain.SideBuy,
			Price: d("100"), Volume: d("1"), TimeInForce: domain.TimeInForceGTD, ExpiresAt: &expires,
		},
	})
	require.Equal(t, domain.CommandOK, res.Status, res.Message)
	require.Equal(t, 1, f.expiry.Pending())
	assert.Empty(t, f.expiry.Due(t0))

	due := f.expiry.Due(t0.Add(2 * time.Minute))
	require.Equal(t, []string{"gtd"}, due)

	res = f.exec(&domain.ExpireOrdersCommand{CommandHeader: f.header(""), ExternalIDs: due, Now: t0.Add(2 * time.Minute)})
	require.Equal(t, domain.CommandOK, res.Status, res.Message)
	o := orderByExt(res, "gtd")
	require.NotNil(t, o)
	assert.Equal(t, domain.StatusCancelled, o.Status)
	assert.Equal(t, domain.RejectExpired, o.RejectReason)
	_, r := f.balance("buyer", "USD")
	assert.Equal(t, "0", r)
}

func TestPersistenceFailureKeepsState(t *testing.T) {
	f := newFixture(t)
	f.sink.failures = 2

	f.deposit("client", "USD", "100")

	b, _ := f.balance("client", "USD")
	assert.Equal(t, "100", b)
	assert.Equal(t, 2, f.sink.calls)
	assert.Empty(t, f.sink.persisted)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PersistenceFailuresTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PersistenceRetriesTotal))

	f.deposit("client", "USD", "50")
	b, _ = f.balance("client", "USD")
	assert.Equal(t, "150", b)
	require.Len(t, f.sink.persisted, 1)
	require.Len(t, f.sink.persisted[0].Balances, 1)
	assert.True(t, f.sink.persisted[0].Balances[0].Balance.Equal(d("150")))
}

func TestPersistenceRetrySucceeds(t *testing.T) {
	f := newFixture(t)
	f.sink.failures = 1

	f.deposit("client", "USD", "100")

	assert.Len(t, f.sink.persisted, 1)
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.PersistenceFailuresTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PersistenceRetriesTotal))
}

func TestPreprocessor_RejectsAndDeduplicates(t *testing.T) {
	f := newFixture(t)
	reply := make(chan *domain.CommandResult, 4)

	f.pre.handle(context.Background(), &Envelope{
		Command: &domain.CashInOutCommand{CommandHeader: domain.CommandHeader{ClientID: "c"}, AssetID: "USD", Amount: d("1")},
		Reply:   reply,
	})
	res := <-reply
	assert.Equal(t, domain.CommandRejected, res.Status)
	assert.Equal(t, domain.RejectInvalidCommand, res.Reason)

	cmd := &domain.CashInOutCommand{CommandHeader: domain.CommandHeader{MessageID: "dup", ClientID: "c"}, AssetID: "USD", Amount: d("1")}
	f.pre.handle(context.Background(), &Envelope{Command: cmd, Reply: reply})
	require.Len(t, f.matcher.queue, 1)
	f.pre.handle(context.Background(), &Envelope{Command: cmd, Reply: reply})
	res = <-reply
	assert.Equal(t, domain.CommandDuplicate, res.Status)
	assert.Len(t, f.matcher.queue, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DuplicateMessagesTotal))
}

func cashIn(messageID, client, amount string) *domain.CashInOutCommand {
	return &domain.CashInOutCommand{
		CommandHeader: domain.CommandHeader{MessageID: messageID, ClientID: client, ReceivedAt: t0},
		AssetID:       "USD",
		Amount:        d(amount),
	}
}

func TestPreprocessor_RedeliveryAfterEngineStopped(t *testing.T) {
	dedup := &fakeDedup{seen: map[string]bool{}}
	stopped := newFixture(t)
	stopped.pre.dedup = dedup
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, stopped.matcher.Run(ctx))

	reply := make(chan *domain.CommandResult, 1)
	stopped.pre.handle(context.Background(), &Envelope{Command: cashIn("cash-1", "c", "100"), Reply: reply})
	res := <-reply
	assert.Equal(t, domain.CommandFailed, res.Status)
	assert.False(t, dedup.seen["cash-1"])

	// 重投到新的撮合线程，共享同一去重存储
	f := newFixture(t)
	f.pre.dedup = dedup
	f.pre.handle(context.Background(), &Envelope{Command: cashIn("cash-1", "c", "100"), Reply: reply})
	require.Len(t, f.matcher.queue, 1)
	res = f.matcher.Handle(context.Background(), <-f.matcher.queue)
	assert.Equal(t, domain.CommandOK, res.Status, res.Message)
	bal, _ := f.balance("c", "USD")
	assert.Equal(t, "100", bal)
	assert.True(t, dedup.seen["cash-1"])
}

func TestMatcher_StopFailsQueuedCommands(t *testing.T) {
	f := newFixture(t)
	dedup := &fakeDedup{seen: map[string]bool{}}
	f.pre.dedup = dedup
	reply := make(chan *domain.CommandResult, 2)
	f.pre.handle(context.Background(), &Envelope{Command: cashIn("cash-1", "c", "100"), Reply: reply})
	f.pre.handle(context.Background(), &Envelope{Command: cashIn("cash-2", "c", "5"), Reply: reply})
	require.Len(t, f.matcher.queue, 2)
	require.True(t, dedup.seen["cash-1"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.matcher.Run(ctx))

	for _, id := range []string{"cash-1", "cash-2"} {
		res := <-reply
		assert.Equal(t, id, res.MessageID)
		assert.Equal(t, domain.CommandFailed, res.Status)
		assert.Equal(t, domain.ErrEngineStopped.Error(), res.Message)
		assert.False(t, dedup.seen[id])
	}
	assert.Empty(t, f.matcher.queue)
	bal, _ := f.balance("c", "USD")
	assert.Equal(t, "0", bal)
	require.ErrorIs(t, f.matcher.Enqueue(context.Background(), &Envelope{Command: cashIn("cash-3", "c", "1")}), domain.ErrEngineStopped)
}

func TestPreprocessor_RoutesClientToSingleWorker(t *testing.T) {
	f := newFixture(t)
	pre := NewPreprocessor(4, 64, f.meta, nil, f.matcher, f.ids, logger.Discard(), f.metrics)
	require.Len(t, pre.inbound, 4)

	for i := 0; i < 8; i++ {
		require.NoError(t, pre.Submit(context.Background(), &Envelope{Command: cashIn(fmt.Sprintf("a%d", i), "alice", "1")}))
	}
	busy := 0
	for _, q := range pre.inbound {
		if len(q) > 0 {
			busy++
			assert.Len(t, q, 8)
		}
	}
	assert.Equal(t, 1, busy)

	// 无 ClientID 的指令走第一个 worker
	assert.Equal(t, pre.inbound[0], pre.route(&domain.ExpireOrdersCommand{CommandHeader: domain.CommandHeader{MessageID: "exp"}}))
}

func TestPreprocessor_SubmitFailsFastWhenFull(t *testing.T) {
	f := newFixture(t)
	pre := NewPreprocessor(1, 1, f.meta, nil, f.matcher, f.ids, logger.Discard(), f.metrics)
	cmd := &domain.CashInOutCommand{CommandHeader: domain.CommandHeader{MessageID: "m", ClientID: "c"}, AssetID: "USD", Amount: d("1")}

	require.NoError(t, pre.Submit(context.Background(), &Envelope{Command: cmd}))
	require.ErrorIs(t, pre.Submit(context.Background(), &Envelope{Command: cmd}), domain.ErrQueueFull)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, pre.Submit(ctx, &Envelope{Command: cmd}), context.Canceled)
}

func TestEventDispatcher_RetriesUntilPublished(t *testing.T) {
	sink := &fakeEventSink{failures: 2}
	m := metrics.New("test")
	disp := NewEventDispatcher(sink, EventDispatcherConfig{QueueSize: 8, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}, logger.Discard(), m)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = disp.Run(ctx)
		close(done)
	}()

	commit := &execution.CommitResult{
		MessageID: "m1",
		Events: []domain.Event{domain.CashInOutEvent{
			BaseEvent: domain.BaseEvent{Timestamp: t0}, ClientID: "c", AssetID: "USD", Amount: d("1"),
		}},
		BalanceUpdates: []domain.ClientBalanceUpdate{{ClientID: "c", AssetID: "USD", NewBalance: d("1")}},
		Persistence:    &domain.PersistenceData{MessageID: "m1", Timestamp: t0},
	}
	disp.Dispatch(commit)

	require.Eventually(t, func() bool { return len(sink.published()) == 2 }, 2*time.Second, 5*time.Millisecond)
	events := sink.published()
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, "CashInOut", events[0].Type)
	assert.Equal(t, int64(2), events[1].Sequence)
	assert.Equal(t, "BalanceUpdate", events[1].Type)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues("retry")))

	cancel()
	<-done
}

func cashCommit(messageID string) *execution.CommitResult {
	return &execution.CommitResult{
		MessageID: messageID,
		Events: []domain.Event{domain.CashInOutEvent{
			BaseEvent: domain.BaseEvent{Timestamp: t0}, ClientID: "c", AssetID: "USD", Amount: d("1"),
		}},
		BalanceUpdates: []domain.ClientBalanceUpdate{{ClientID: "c", AssetID: "USD", NewBalance: d("1")}},
		Persistence:    &domain.PersistenceData{MessageID: messageID, Timestamp: t0},
	}
}

func TestEventDispatcher_SpillsWhileSinkIsDown(t *testing.T) {
	sink := &fakeEventSink{failures: 20}
	m := metrics.New("test")
	disp := NewEventDispatcher(sink, EventDispatcherConfig{QueueSize: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}, logger.Discard(), m)

	// 发布协程未启动，追加也不能阻塞
	for i := 1; i <= 5; i++ {
		disp.Dispatch(cashCommit(fmt.Sprintf("m%d", i)))
	}
	assert.Equal(t, 10, disp.Pending())
	assert.Equal(t, float64(8), testutil.ToFloat64(m.EventsSpilledTotal))
	assert.Equal(t, float64(10), testutil.ToFloat64(m.EventQueueDepth))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = disp.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(sink.published()) == 10 }, 5*time.Second, 5*time.Millisecond)
	for i, ev := range sink.published() {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
	assert.Equal(t, 0, disp.Pending())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.EventQueueDepth))

	cancel()
	<-done
}

func TestDecodeCommand(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{
		"type": "LIMIT_ORDER",
		"message_id": "m1",
		"client_id": "c1",
		"order": {"external_id": "e1", "asset_pair_id": "BTCUSD", "side": "buy", "price": "100.5", "volume": "0.25", "time_in_force": "ioc",
			"fees": [{"taker_size_ratio": "0.001", "target_client_id": "venue"}]}
	}`), t0)
	require.NoError(t, err)
	lc, ok := cmd.(*domain.LimitOrderCommand)
	require.True(t, ok)
	assert.Equal(t, "m1", lc.MessageID)
	assert.Equal(t, domain.SideBuy, lc.Order.Side)
	assert.Equal(t, domain.TimeInForceIOC, lc.Order.TimeInForce)
	assert.True(t, lc.Order.Price.Equal(d("100.5")))
	require.Len(t, lc.Order.Fees, 1)
	assert.True(t, lc.Order.Fees[0].TakerSizeRatio.Equal(d("0.001")))

	_, err = DecodeCommand([]byte(`{"type": "LIMIT_ORDER", "message_id": "m2", "order": {"side": "up", "volume": "1"}}`), t0)
	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, domain.RejectInvalidCommand, rej.Reason)

	_, err = DecodeCommand([]byte(`{"type": "NOPE"}`), t0)
	require.Error(t, err)
}
