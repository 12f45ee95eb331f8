// Package execution 实现撮合核心的执行上下文：共享状态的持有者、
// 可嵌套的暂存上下文以及按（客户，资产）轧差校验的钱包处理器。
// 共享状态只允许撮合线程通过根上下文的 Apply 修改。
package execution

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
)

// BookKey 单侧订单簿的位置
type BookKey struct {
	AssetPairID string
	Side        domain.OrderSide
}

// OrderRef 订单索引项，按外部订单 ID 定位订单所在的簿
type OrderRef struct {
	OrderID     string
	ExternalID  string
	ClientID    string
	AssetPairID string
	Side        domain.OrderSide
	Stop        bool
	ExpiresAt   *time.Time
}

// RefOf 根据订单生成索引项
func RefOf(o *domain.Order) OrderRef {
	return OrderRef{
		OrderID:     o.ID,
		ExternalID:  o.ExternalID,
		ClientID:    o.ClientID,
		AssetPairID: o.AssetPairID,
		Side:        o.Side,
		Stop:        o.Type == domain.OrderTypeStopLimit && o.Status == domain.StatusPending,
		ExpiresAt:   o.ExpiresAt,
	}
}

// OrderBooksHolder 共享的限价单簿与订单索引
type OrderBooksHolder struct {
	books map[BookKey]*domain.SideBook
	index map[string]OrderRef
}

// NewOrderBooksHolder 创建空的订单簿持有者
func NewOrderBooksHolder() *OrderBooksHolder {
	return &OrderBooksHolder{
		books: make(map[BookKey]*domain.SideBook),
		index: make(map[string]OrderRef),
	}
}

// SideBook 返回共享的单侧簿，不存在时返回空簿（不登记）
func (h *OrderBooksHolder) SideBook(pairID string, side domain.OrderSide) *domain.SideBook {
	if b, ok := h.books[BookKey{pairID, side}]; ok {
		return b
	}
	return domain.NewSideBook(pairID, side)
}

// Ref 按外部 ID 查找索引
func (h *OrderBooksHolder) Ref(externalID string) (OrderRef, bool) {
	ref, ok := h.index[externalID]
	return ref, ok
}

// Size 索引中的订单数
func (h *OrderBooksHolder) Size() int {
	return len(h.index)
}

// StopOrderBooksHolder 共享的止损单簿
type StopOrderBooksHolder struct {
	books map[string]*domain.StopOrderBook
}

// NewStopOrderBooksHolder 创建空的止损单簿持有者
func NewStopOrderBooksHolder() *StopOrderBooksHolder {
	return &StopOrderBooksHolder{books: make(map[string]*domain.StopOrderBook)}
}

// StopBook 返回交易对的止损单簿，不存在时返回 nil
func (h *StopOrderBooksHolder) StopBook(pairID string) *domain.StopOrderBook {
	return h.books[pairID]
}

// AssetPairIDs 有止损单的交易对
func (h *StopOrderBooksHolder) AssetPairIDs() []string {
	ids := make([]string, 0, len(h.books))
	for id, b := range h.books {
		if b.Size() > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// BalancesHolder 共享账本。钱包以写时复制 B 树保存，存入后只读，
// 提交时整体替换为新副本，便于对外发布一致快照。
type BalancesHolder struct {
	wallets *btree.BTreeG[*domain.Wallet]
	trusted map[string]struct{}
}

// NewBalancesHolder 创建账本
func NewBalancesHolder(trustedClients []string) *BalancesHolder {
	trusted := make(map[string]struct{}, len(trustedClients))
	for _, c := range trustedClients {
		trusted[c] = struct{}{}
	}
	return &BalancesHolder{
		wallets: btree.NewG(32, func(a, b *domain.Wallet) bool { return a.ClientID < b.ClientID }),
		trusted: trusted,
	}
}

// IsTrusted 是否受信任客户
func (h *BalancesHolder) IsTrusted(clientID string) bool {
	_, ok := h.trusted[clientID]
	return ok
}

// Wallet 返回只读钱包
func (h *BalancesHolder) Wallet(clientID string) (*domain.Wallet, bool) {
	return h.wallets.Get(&domain.Wallet{ClientID: clientID})
}

// Get 返回余额与冻结
func (h *BalancesHolder) Get(clientID, assetID string) (balance, reserved decimal.Decimal) {
	w, _ := h.Wallet(clientID)
	b := w.Get(assetID)
	return b.Balance, b.Reserved
}

// Available 可用余额，受信任客户不计冻结
func (h *BalancesHolder) Available(clientID, assetID string) decimal.Decimal {
	balance, reserved := h.Get(clientID, assetID)
	if h.IsTrusted(clientID) {
		return balance
	}
	return balance.Sub(reserved)
}

// Commit 写入一批新值，同一客户的多项变动只复制一次钱包
func (h *BalancesHolder) Commit(updates []domain.ClientBalanceUpdate, at time.Time) []*domain.AssetBalance {
	changed := make(map[string]*domain.Wallet)
	out := make([]*domain.AssetBalance, 0, len(updates))
	for _, u := range updates {
		w, ok := changed[u.ClientID]
		if !ok {
			if cur, exists := h.Wallet(u.ClientID); exists {
				w = cur.Copy()
			} else {
				w = domain.NewWallet(u.ClientID)
			}
			changed[u.ClientID] = w
		}
		b := &domain.AssetBalance{
			ClientID:  u.ClientID,
			AssetID:   u.AssetID,
			Balance:   u.NewBalance,
			Reserved:  u.NewReserved,
			UpdatedAt: at,
		}
		w.Balances[u.AssetID] = b
		cp := *b
		out = append(out, &cp)
	}
	for _, w := range changed {
		h.wallets.ReplaceOrInsert(w)
	}
	return out
}

// Load 启动时装载余额
func (h *BalancesHolder) Load(balances []*domain.AssetBalance) {
	updates := make([]domain.ClientBalanceUpdate, 0, len(balances))
	for _, b := range balances {
		updates = append(updates, domain.ClientBalanceUpdate{
			ClientID:    b.ClientID,
			AssetID:     b.AssetID,
			NewBalance:  b.Balance,
			NewReserved: b.Reserved,
		})
	}
	h.Commit(updates, time.Now())
}

// State 撮合线程独占的共享状态
type State struct {
	Books     *OrderBooksHolder
	StopBooks *StopOrderBooksHolder
	Balances  *BalancesHolder

	sequence   int64
	committing atomic.Bool
	snapshot   atomic.Pointer[ReadSnapshot]
}

// NewState 创建空状态
func NewState(trustedClients []string) *State {
	s := &State{
		Books:     NewOrderBooksHolder(),
		StopBooks: NewStopOrderBooksHolder(),
		Balances:  NewBalancesHolder(trustedClients),
	}
	s.Publish()
	return s
}

// NextSequence 分配订单注册序号
func (s *State) NextSequence() int64 {
	s.sequence++
	return s.sequence
}

// LoadOrders 启动时恢复挂单与止损单
func (s *State) LoadOrders(orders []*domain.Order) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].Sequence < orders[j].Sequence })
	for _, o := range orders {
		if o.Sequence > s.sequence {
			s.sequence = o.Sequence
		}
		if o.Type == domain.OrderTypeStopLimit && o.Status == domain.StatusPending {
			sb, ok := s.StopBooks.books[o.AssetPairID]
			if !ok {
				sb = domain.NewStopOrderBook(o.AssetPairID)
				s.StopBooks.books[o.AssetPairID] = sb
			}
			sb.Insert(o)
		} else {
			key := BookKey{o.AssetPairID, o.Side}
			b, ok := s.Books.books[key]
			if !ok {
				b = domain.NewSideBook(o.AssetPairID, o.Side)
				s.Books.books[key] = b
			}
			b.Insert(o)
		}
		s.Books.index[o.ExternalID] = RefOf(o)
	}
}

// beginCommit 断言同一时刻只有一个提交在修改共享状态
func (s *State) beginCommit() {
	if !s.committing.CompareAndSwap(false, true) {
		panic("execution: concurrent mutation of shared state")
	}
}

func (s *State) endCommit() {
	s.committing.Store(false)
}
