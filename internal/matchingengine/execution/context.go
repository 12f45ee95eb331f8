package execution

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/pkg/metrics"
)

// Info 执行上下文所属指令的描述
type Info struct {
	MessageID string
	Command   domain.CommandType
	Now       time.Time
}

// CommitResult 根上下文提交后的全部结果
type CommitResult struct {
	MessageID      string
	BalanceUpdates []domain.ClientBalanceUpdate
	// 每个订单的最终状态，按首次出现顺序
	Orders       []*domain.Order
	Trades       []*domain.Trade
	Events       []domain.Event
	ChangedPairs []string
	Persistence  *domain.PersistenceData
}

// Context 执行上下文：暂存订单簿、钱包、订单索引、成交与事件的变更，
// Apply 之前对父上下文和共享状态没有任何可见影响。
// 读取先看本层暂存，再看父上下文，最后看共享状态；写入前先复制。
type Context struct {
	parent  *Context
	state   *State
	meta    domain.MetadataProvider
	info    Info
	logger  *slog.Logger
	metrics *metrics.Metrics

	wallet    *WalletProcessor
	books     map[BookKey]*domain.SideBook
	stopBooks map[string]*domain.StopOrderBook
	added     map[string]OrderRef
	removed   map[string]OrderRef
	trades    []*domain.Trade
	orders    []*domain.Order
	events    []domain.Event

	applied bool
}

// NewRootContext 为一条顶层指令创建根上下文
func NewRootContext(state *State, meta domain.MetadataProvider, info Info, logger *slog.Logger, m *metrics.Metrics) *Context {
	return &Context{
		state:     state,
		meta:      meta,
		info:      info,
		logger:    logger,
		metrics:   m,
		wallet:    NewWalletProcessor(state.Balances, meta, logger, m),
		books:     make(map[BookKey]*domain.SideBook),
		stopBooks: make(map[string]*domain.StopOrderBook),
		added:     make(map[string]OrderRef),
		removed:   make(map[string]OrderRef),
	}
}

// Child 创建子上下文
func (c *Context) Child() *Context {
	return &Context{
		parent:    c,
		state:     c.state,
		meta:      c.meta,
		info:      c.info,
		logger:    c.logger,
		metrics:   c.metrics,
		wallet:    c.wallet.Child(),
		books:     make(map[BookKey]*domain.SideBook),
		stopBooks: make(map[string]*domain.StopOrderBook),
		added:     make(map[string]OrderRef),
		removed:   make(map[string]OrderRef),
	}
}

// Info 指令描述
func (c *Context) Info() Info { return c.info }

// Now 指令处理时间
func (c *Context) Now() time.Time { return c.info.Now }

// Meta 元数据
func (c *Context) Meta() domain.MetadataProvider { return c.meta }

// Wallet 本上下文的钱包处理器
func (c *Context) Wallet() *WalletProcessor { return c.wallet }

// NextSequence 分配订单注册序号
func (c *Context) NextSequence() int64 { return c.state.NextSequence() }

// SideBook 返回只读视图，调用方不得修改
func (c *Context) SideBook(pairID string, side domain.OrderSide) *domain.SideBook {
	if b, ok := c.books[BookKey{pairID, side}]; ok {
		return b
	}
	if c.parent != nil {
		return c.parent.SideBook(pairID, side)
	}
	return c.state.Books.SideBook(pairID, side)
}

// MutableSideBook 返回本上下文独占的副本，首次写入时复制
func (c *Context) MutableSideBook(pairID string, side domain.OrderSide) *domain.SideBook {
	key := BookKey{pairID, side}
	if b, ok := c.books[key]; ok {
		return b
	}
	b := c.SideBook(pairID, side).Copy()
	c.books[key] = b
	return b
}

// SetSideBook 用新的单侧簿替换本上下文中的视图
func (c *Context) SetSideBook(book *domain.SideBook) {
	c.books[BookKey{book.AssetPairID(), book.Side()}] = book
}

// OrderBook 返回交易对两侧的只读视图
func (c *Context) OrderBook(pairID string) *domain.AssetOrderBook {
	return domain.NewAssetOrderBook(pairID, c.SideBook(pairID, domain.SideBuy), c.SideBook(pairID, domain.SideSell))
}

// StopBook 返回止损单簿只读视图，可能为 nil
func (c *Context) StopBook(pairID string) *domain.StopOrderBook {
	if sb, ok := c.stopBooks[pairID]; ok {
		return sb
	}
	if c.parent != nil {
		return c.parent.StopBook(pairID)
	}
	return c.state.StopBooks.StopBook(pairID)
}

// MutableStopBook 返回本上下文独占的止损单簿副本
func (c *Context) MutableStopBook(pairID string) *domain.StopOrderBook {
	if sb, ok := c.stopBooks[pairID]; ok {
		return sb
	}
	var sb *domain.StopOrderBook
	if cur := c.StopBook(pairID); cur != nil {
		sb = cur.Copy()
	} else {
		sb = domain.NewStopOrderBook(pairID)
	}
	c.stopBooks[pairID] = sb
	return sb
}

// StopPairIDs 当前可见的、有止损单的交易对
func (c *Context) StopPairIDs() []string {
	seen := make(map[string]struct{})
	for _, id := range c.state.StopBooks.AssetPairIDs() {
		seen[id] = struct{}{}
	}
	for cur := c; cur != nil; cur = cur.parent {
		for id := range cur.stopBooks {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		if sb := c.StopBook(id); sb != nil && sb.Size() > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// TrackOrderAdded 登记进入订单簿（或止损簿）的订单
func (c *Context) TrackOrderAdded(o *domain.Order) {
	delete(c.removed, o.ExternalID)
	c.added[o.ExternalID] = RefOf(o)
}

// TrackOrderRemoved 登记离开订单簿的订单
func (c *Context) TrackOrderRemoved(ref OrderRef) {
	delete(c.added, ref.ExternalID)
	c.removed[ref.ExternalID] = ref
}

// FindOrder 按外部 ID 查找当前可见的挂单
func (c *Context) FindOrder(externalID string) (OrderRef, bool) {
	for cur := c; cur != nil; cur = cur.parent {
		if ref, ok := cur.added[externalID]; ok {
			return ref, true
		}
		if _, ok := cur.removed[externalID]; ok {
			return OrderRef{}, false
		}
	}
	return c.state.Books.Ref(externalID)
}

// LookupOrder 按索引项取出订单当前值
func (c *Context) LookupOrder(ref OrderRef) (*domain.Order, bool) {
	if ref.Stop {
		sb := c.StopBook(ref.AssetPairID)
		if sb == nil {
			return nil, false
		}
		return sb.Get(ref.OrderID)
	}
	return c.SideBook(ref.AssetPairID, ref.Side).Get(ref.OrderID)
}

// ClientOrders 返回客户当前可见的全部挂单与止损单索引，pairID 为空表示全部交易对，side 为 0 表示两侧
func (c *Context) ClientOrders(clientID, pairID string, side domain.OrderSide) []OrderRef {
	merged := make(map[string]OrderRef)
	for id, ref := range c.state.Books.index {
		if ref.ClientID == clientID {
			merged[id] = ref
		}
	}
	var chain []*Context
	for cur := c; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for id := range chain[i].removed {
			delete(merged, id)
		}
		for id, ref := range chain[i].added {
			if ref.ClientID == clientID {
				merged[id] = ref
			}
		}
	}

	out := make([]OrderRef, 0, len(merged))
	for _, ref := range merged {
		if pairID != "" && ref.AssetPairID != pairID {
			continue
		}
		if side != 0 && ref.Side != side {
			continue
		}
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

// AddTrades 暂存成交
func (c *Context) AddTrades(trades ...*domain.Trade) {
	c.trades = append(c.trades, trades...)
}

// AddOrderUpdate 暂存订单状态变化，保存副本
func (c *Context) AddOrderUpdate(orders ...*domain.Order) {
	for _, o := range orders {
		c.orders = append(c.orders, o.Copy())
	}
}

// AddEvent 暂存待发布事件
func (c *Context) AddEvent(events ...domain.Event) {
	c.events = append(c.events, events...)
}

// Trades 本上下文暂存的成交
func (c *Context) Trades() []*domain.Trade { return c.trades }

// OrderUpdates 本上下文暂存的订单变化
func (c *Context) OrderUpdates() []*domain.Order { return c.orders }

// Events 本上下文暂存的事件
func (c *Context) Events() []domain.Event { return c.events }

// Apply 把暂存变更一次性提交到父上下文，根上下文提交到共享状态并返回 CommitResult。
// 钱包变更先在父级重新轧差校验，失败时父级保持不变。重复调用视为编程错误。
func (c *Context) Apply() (*CommitResult, error) {
	if c.applied {
		panic("execution: context applied twice")
	}
	c.applied = true

	if c.parent == nil {
		return c.commitRoot(), nil
	}

	if err := c.wallet.ApplyToParent(); err != nil {
		return nil, fmt.Errorf("apply wallet changes to parent: %w", err)
	}
	p := c.parent
	for key, b := range c.books {
		p.books[key] = b
	}
	for id, sb := range c.stopBooks {
		p.stopBooks[id] = sb
	}
	for _, ref := range c.removed {
		p.TrackOrderRemoved(ref)
	}
	for id, ref := range c.added {
		delete(p.removed, id)
		p.added[id] = ref
	}
	p.trades = append(p.trades, c.trades...)
	p.orders = append(p.orders, c.orders...)
	p.events = append(p.events, c.events...)
	return nil, nil
}

func (c *Context) commitRoot() *CommitResult {
	s := c.state
	s.beginCommit()
	defer s.endCommit()

	updates, balances := c.wallet.Commit(c.info.Now)

	pairs := make(map[string]struct{})
	for key, b := range c.books {
		s.Books.books[key] = b
		pairs[key.AssetPairID] = struct{}{}
	}
	for id, sb := range c.stopBooks {
		s.StopBooks.books[id] = sb
		pairs[id] = struct{}{}
	}
	for id := range c.removed {
		delete(s.Books.index, id)
	}
	for id, ref := range c.added {
		s.Books.index[id] = ref
	}

	changed := make([]string, 0, len(pairs))
	for id := range pairs {
		changed = append(changed, id)
	}
	sort.Strings(changed)

	orders := latestOrders(c.orders)
	data := &domain.PersistenceData{
		MessageID: c.info.MessageID,
		Balances:  balances,
		Trades:    c.trades,
		Timestamp: c.info.Now,
	}
	for _, o := range orders {
		if o.Status.IsResting() {
			data.UpsertOrders = append(data.UpsertOrders, o)
		} else {
			data.RemovedOrders = append(data.RemovedOrders, o)
		}
	}

	return &CommitResult{
		MessageID:      c.info.MessageID,
		BalanceUpdates: updates,
		Orders:         orders,
		Trades:         c.trades,
		Events:         c.events,
		ChangedPairs:   changed,
		Persistence:    data,
	}
}

func latestOrders(updates []*domain.Order) []*domain.Order {
	pos := make(map[string]int, len(updates))
	out := make([]*domain.Order, 0, len(updates))
	for _, o := range updates {
		if i, ok := pos[o.ID]; ok {
			out[i] = o
			continue
		}
		pos[o.ID] = len(out)
		out = append(out, o)
	}
	return out
}
