package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
)

// 每个交易对保留的最近成交条数
const maxTradesPerPair = 1000

// Repository 内存持久化，进程重启即丢失，用于开发与测试
type Repository struct {
	mu       sync.Mutex
	balances map[domain.BalanceKey]*domain.AssetBalance
	orders   map[string]*domain.Order
	trades   map[string][]*domain.Trade
	lastMsg  string
}

// NewRepository 创建内存仓储
func NewRepository() *Repository {
	return &Repository{
		balances: make(map[domain.BalanceKey]*domain.AssetBalance),
		orders:   make(map[string]*domain.Order),
		trades:   make(map[string][]*domain.Trade),
	}
}

// Persist 写入一次提交的差异
func (r *Repository) Persist(_ context.Context, data *domain.PersistenceData) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range data.Balances {
		cp := *b
		r.balances[domain.BalanceKey{ClientID: b.ClientID, AssetID: b.AssetID}] = &cp
	}
	for _, o := range data.UpsertOrders {
		r.orders[o.ID] = o.Copy()
	}
	for _, o := range data.RemovedOrders {
		delete(r.orders, o.ID)
	}
	for _, t := range data.Trades {
		list := append(r.trades[t.AssetPairID], t)
		if len(list) > maxTradesPerPair {
			list = list[len(list)-maxTradesPerPair:]
		}
		r.trades[t.AssetPairID] = list
	}
	r.lastMsg = data.MessageID
	return nil
}

// LoadBalances 返回全部余额
func (r *Repository) LoadBalances(_ context.Context) ([]*domain.AssetBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.AssetBalance, 0, len(r.balances))
	for _, b := range r.balances {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].AssetID < out[j].AssetID
	})
	return out, nil
}

// LoadOrders 返回全部挂单与止损单
func (r *Repository) LoadOrders(_ context.Context) ([]*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// RecentTrades 返回交易对最近成交，最新在前
func (r *Repository) RecentTrades(_ context.Context, pairID string, limit int) ([]*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.trades[pairID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]*domain.Trade, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

// LastMessageID 最近一次写入对应的消息 ID
func (r *Repository) LastMessageID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastMsg
}
