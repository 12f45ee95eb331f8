package execution

import (
	"sort"
	"time"

	"github.com/google/btree"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
)

// ReadSnapshot 撮合线程在每次根提交后发布的只读视图，供查询接口并发读取
type ReadSnapshot struct {
	Version     int64
	PublishedAt time.Time

	books     map[string]*domain.AssetOrderBook
	stopBooks map[string]*domain.StopOrderBook
	wallets   *btree.BTreeG[*domain.Wallet]
}

// OrderBook 返回交易对订单簿
func (s *ReadSnapshot) OrderBook(pairID string) (*domain.AssetOrderBook, bool) {
	ob, ok := s.books[pairID]
	return ob, ok
}

// StopBook 返回交易对止损单簿
func (s *ReadSnapshot) StopBook(pairID string) (*domain.StopOrderBook, bool) {
	sb, ok := s.stopBooks[pairID]
	return sb, ok
}

// AssetPairIDs 有挂单的交易对
func (s *ReadSnapshot) AssetPairIDs() []string {
	ids := make([]string, 0, len(s.books))
	for id := range s.books {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wallet 返回客户钱包
func (s *ReadSnapshot) Wallet(clientID string) (*domain.Wallet, bool) {
	return s.wallets.Get(&domain.Wallet{ClientID: clientID})
}

// Snapshot 返回最近一次发布的视图
func (s *State) Snapshot() *ReadSnapshot {
	return s.snapshot.Load()
}

// Publish 发布全部订单簿与账本的只读视图
func (s *State) Publish() {
	pairs := make(map[string]struct{})
	for key := range s.Books.books {
		pairs[key.AssetPairID] = struct{}{}
	}
	for id := range s.StopBooks.books {
		pairs[id] = struct{}{}
	}
	next := &ReadSnapshot{
		books:     make(map[string]*domain.AssetOrderBook, len(pairs)),
		stopBooks: make(map[string]*domain.StopOrderBook, len(pairs)),
	}
	for id := range pairs {
		s.publishPair(next, id)
	}
	s.finishPublish(next)
}

// PublishChanged 只重新克隆本次提交触及的交易对，其余沿用上一版视图
func (s *State) PublishChanged(pairIDs []string) {
	prev := s.snapshot.Load()
	if prev == nil {
		s.Publish()
		return
	}
	next := &ReadSnapshot{
		books:     make(map[string]*domain.AssetOrderBook, len(prev.books)+len(pairIDs)),
		stopBooks: make(map[string]*domain.StopOrderBook, len(prev.stopBooks)+len(pairIDs)),
	}
	for id, ob := range prev.books {
		next.books[id] = ob
	}
	for id, sb := range prev.stopBooks {
		next.stopBooks[id] = sb
	}
	for _, id := range pairIDs {
		s.publishPair(next, id)
	}
	s.finishPublish(next)
}

func (s *State) publishPair(next *ReadSnapshot, pairID string) {
	bids, hasBids := s.Books.books[BookKey{pairID, domain.SideBuy}]
	asks, hasAsks := s.Books.books[BookKey{pairID, domain.SideSell}]
	if hasBids || hasAsks {
		var bidCopy, askCopy *domain.SideBook
		if hasBids {
			bidCopy = bids.Copy()
		}
		if hasAsks {
			askCopy = asks.Copy()
		}
		next.books[pairID] = domain.NewAssetOrderBook(pairID, bidCopy, askCopy)
	}
	if sb, ok := s.StopBooks.books[pairID]; ok {
		next.stopBooks[pairID] = sb.Copy()
	}
}

func (s *State) finishPublish(next *ReadSnapshot) {
	next.wallets = s.Balances.wallets.Clone()
	next.PublishedAt = time.Now()
	if prev := s.snapshot.Load(); prev != nil {
		next.Version = prev.Version + 1
	}
	s.snapshot.Store(next)
}
