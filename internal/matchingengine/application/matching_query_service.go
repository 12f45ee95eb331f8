package application

import (
	"context"
	"sort"

	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/execution"
)

const defaultDepth = 20

// QueryService 只读查询，读取撮合线程发布的快照，不触碰撮合线程持有的状态
type QueryService struct {
	state *execution.State
	meta  domain.MetadataProvider
}

// NewQueryService 构造函数
func NewQueryService(state *execution.State, meta domain.MetadataProvider) *QueryService {
	return &QueryService{state: state, meta: meta}
}

// GetOrderBook 获取交易对深度
func (q *QueryService) GetOrderBook(_ context.Context, pairID string, depth int) (*OrderBookDTO, error) {
	if _, ok := q.meta.AssetPair(pairID); !ok {
		return nil, domain.ErrAssetPairNotFound
	}
	if depth <= 0 {
		depth = defaultDepth
	}
	snap := q.state.Snapshot()
	dto := &OrderBookDTO{
		AssetPairID: pairID,
		Bids:        []LevelDTO{},
		Asks:        []LevelDTO{},
		Version:     snap.Version,
		Timestamp:   snap.PublishedAt,
	}
	ob, ok := snap.OrderBook(pairID)
	if !ok {
		return dto, nil
	}
	dto.Bids = toLevels(ob.Bids.Depth(depth))
	dto.Asks = toLevels(ob.Asks.Depth(depth))
	dto.BestBid = priceString(ob.BestBid())
	dto.BestAsk = priceString(ob.BestAsk())
	dto.MidPrice = priceString(ob.MidPrice())
	return dto, nil
}

// GetOrders 获取交易对全部挂单与止损单，按价格优先级排列
func (q *QueryService) GetOrders(_ context.Context, pairID string) ([]OrderDTO, error) {
	if _, ok := q.meta.AssetPair(pairID); !ok {
		return nil, domain.ErrAssetPairNotFound
	}
	snap := q.state.Snapshot()
	out := []OrderDTO{}
	if ob, ok := snap.OrderBook(pairID); ok {
		for _, o := range ob.Bids.Orders() {
			out = append(out, toOrderDTO(o))
		}
		for _, o := range ob.Asks.Orders() {
			out = append(out, toOrderDTO(o))
		}
	}
	if sb, ok := snap.StopBook(pairID); ok {
		for _, o := range sb.Orders() {
			out = append(out, toOrderDTO(o))
		}
	}
	return out, nil
}

// GetBalances 获取客户全部资产余额
func (q *QueryService) GetBalances(_ context.Context, clientID string) ([]BalanceDTO, error) {
	w, ok := q.state.Snapshot().Wallet(clientID)
	if !ok {
		return []BalanceDTO{}, nil
	}
	trusted := q.state.Balances.IsTrusted(clientID)
	out := make([]BalanceDTO, 0, len(w.Balances))
	for id := range w.Balances {
		out = append(out, toBalanceDTO(w.Get(id), clientID, trusted))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

// GetBalance 获取客户某资产余额，未知资产返回错误
func (q *QueryService) GetBalance(_ context.Context, clientID, assetID string) (*BalanceDTO, error) {
	if _, ok := q.meta.Asset(assetID); !ok {
		return nil, domain.ErrAssetNotFound
	}
	w, _ := q.state.Snapshot().Wallet(clientID)
	dto := toBalanceDTO(w.Get(assetID), clientID, q.state.Balances.IsTrusted(clientID))
	return &dto, nil
}
