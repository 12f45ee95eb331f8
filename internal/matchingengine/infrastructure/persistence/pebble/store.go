// Package pebble 基于本地 Pebble 的持久化，单机部署时替代 MySQL
package pebble

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
)

var (
	balancePrefix = []byte("balance/")
	orderPrefix   = []byte("order/")
	tradePrefix   = []byte("trade/")
	lastMsgKey    = []byte("meta/last_message")
)

// Store 余额、挂单、成交按前缀分区存放，每次提交写一个同步批次
type Store struct {
	db     *pebble.DB
	logger *slog.Logger
}

// Open 打开或创建数据目录
func Open(dir string, logger *slog.Logger) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dir, err)
	}
	logger.Info("pebble store opened", "dir", dir)
	return &Store{db: db, logger: logger.With("module", "pebble_store")}, nil
}

// Close 关闭存储
func (s *Store) Close() error {
	return s.db.Close()
}

// Persist 写入一次提交的差异，整批原子落盘
func (s *Store) Persist(_ context.Context, data *domain.PersistenceData) error {
	b := s.db.NewBatch()
	defer b.Close()

	for _, bal := range data.Balances {
		if err := setJSON(b, balanceKey(bal.ClientID, bal.AssetID), bal); err != nil {
			return err
		}
	}
	for _, o := range data.UpsertOrders {
		if err := setJSON(b, orderKey(o.ID), o); err != nil {
			return err
		}
	}
	for _, o := range data.RemovedOrders {
		if err := b.Delete(orderKey(o.ID), nil); err != nil {
			return fmt.Errorf("failed to delete order %s: %w", o.ID, err)
		}
	}
	for _, t := range data.Trades {
		if err := setJSON(b, tradeKey(t), t); err != nil {
			return err
		}
	}
	if data.MessageID != "" {
		if err := b.Set(lastMsgKey, []byte(data.MessageID), nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit pebble batch: %w", err)
	}
	return nil
}

// LoadBalances 读取全部余额
func (s *Store) LoadBalances(_ context.Context) ([]*domain.AssetBalance, error) {
	var out []*domain.AssetBalance
	err := s.scan(balancePrefix, func(v []byte) error {
		var b domain.AssetBalance
		if err := json.Unmarshal(v, &b); err != nil {
			return err
		}
		out = append(out, &b)
		return nil
	})
	return out, err
}

// LoadOrders 读取全部挂单与止损单
func (s *Store) LoadOrders(_ context.Context) ([]*domain.Order, error) {
	var out []*domain.Order
	err := s.scan(orderPrefix, func(v []byte) error {
		var o domain.Order
		if err := json.Unmarshal(v, &o); err != nil {
			return err
		}
		out = append(out, &o)
		return nil
	})
	return out, err
}

// RecentTrades 从交易对前缀末尾反向读取
func (s *Store) RecentTrades(_ context.Context, pairID string, limit int) ([]*domain.Trade, error) {
	prefix := append(append([]byte{}, tradePrefix...), pairID+"/"...)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*domain.Trade
	for iter.Last(); iter.Valid(); iter.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var t domain.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return nil, fmt.Errorf("failed to decode trade %s: %w", iter.Key(), err)
		}
		out = append(out, &t)
	}
	return out, iter.Error()
}

// LastMessageID 最近一次落盘对应的消息 ID
func (s *Store) LastMessageID() (string, error) {
	v, closer, err := s.db.Get(lastMsgKey)
	if err == pebble.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(v), nil
}

func (s *Store) scan(prefix []byte, fn func(v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return fmt.Errorf("failed to decode %s: %w", iter.Key(), err)
		}
	}
	return iter.Error()
}

func setJSON(b *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return b.Set(key, data, nil)
}

func balanceKey(clientID, assetID string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", balancePrefix, clientID, assetID))
}

func orderKey(id string) []byte {
	return append(append([]byte{}, orderPrefix...), id...)
}

// tradeKey 同一交易对内按成交时间排序
func tradeKey(t *domain.Trade) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", tradePrefix, t.AssetPairID, t.Timestamp.UnixNano(), t.TradeID))
}

func upperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
