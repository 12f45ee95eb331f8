package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func restingOrder(id string, side OrderSide, price, volume string, registered time.Time, seq int64) *Order {
	return &Order{
		ID:           id,
		ExternalID:   "ext-" + id,
		ClientID:     "c-" + id,
		AssetPairID:  "BTCUSD",
		Type:         OrderTypeLimit,
		Side:         side,
		Price:        d(price),
		Volume:       d(volume),
		Remaining:    d(volume),
		Status:       StatusInOrderBook,
		RegisteredAt: registered,
		Sequence:     seq,
	}
}

func TestSideBook_PriceTimePriority(t *testing.T) {
	bids := NewSideBook("BTCUSD", SideBuy)
	bids.Insert(restingOrder("late", SideBuy, "100", "1", t0.Add(2*time.Second), 2))
	bids.Insert(restingOrder("early", SideBuy, "100", "1", t0.Add(time.Second), 1))
	bids.Insert(restingOrder("better", SideBuy, "101", "1", t0.Add(3*time.Second), 3))
	bids.Insert(restingOrder("worse", SideBuy, "99", "1", t0, 0))

	ids := make([]string, 0, 4)
	for _, o := range bids.Orders() {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{"better", "early", "late", "worse"}, ids)

	asks := NewSideBook("BTCUSD", SideSell)
	asks.Insert(restingOrder("a2", SideSell, "102", "1", t0, 1))
	asks.Insert(restingOrder("a1", SideSell, "101", "1", t0, 2))
	best, ok := asks.BestPrice()
	require.True(t, ok)
	assert.True(t, best.Equal(d("101")))
}

func TestSideBook_PartialFillKeepsPriority(t *testing.T) {
	bids := NewSideBook("BTCUSD", SideBuy)
	first := restingOrder("first", SideBuy, "100", "1", t0, 1)
	bids.Insert(first)
	bids.Insert(restingOrder("second", SideBuy, "100", "1", t0.Add(time.Second), 2))

	filled := first.Copy()
	filled.Remaining = d("0.4")
	filled.Status = StatusPartiallyMatched
	bids.Insert(filled)

	assert.Equal(t, 2, bids.Size())
	assert.Equal(t, "first", bids.Best().ID)
	assert.True(t, bids.TotalVolume().Equal(d("1.4")))
	assert.True(t, first.Remaining.Equal(d("1")), "original order must not be mutated")
}

func TestSideBook_CopyIsIsolated(t *testing.T) {
	bids := NewSideBook("BTCUSD", SideBuy)
	bids.Insert(restingOrder("o1", SideBuy, "100", "1", t0, 1))

	cp := bids.Copy()
	cp.Insert(restingOrder("o2", SideBuy, "105", "2", t0, 2))
	_, removed := cp.Remove("o1")
	require.True(t, removed)

	assert.Equal(t, 1, bids.Size())
	assert.Equal(t, "o1", bids.Best().ID)
	assert.True(t, bids.TotalVolume().Equal(d("1")))
	assert.Equal(t, "o2", cp.Best().ID)
	_, found := cp.Get("o1")
	assert.False(t, found)
}

func TestSideBook_Depth(t *testing.T) {
	asks := NewSideBook("BTCUSD", SideSell)
	asks.Insert(restingOrder("a1", SideSell, "101", "1", t0, 1))
	asks.Insert(restingOrder("a2", SideSell, "101", "2", t0, 2))
	asks.Insert(restingOrder("a3", SideSell, "102", "1", t0, 3))
	asks.Insert(restingOrder("a4", SideSell, "103", "1", t0, 4))

	levels := asks.Depth(2)
	require.Len(t, levels, 2)
	assert.True(t, levels[0].Volume.Equal(d("3")))
	assert.Equal(t, 2, levels[0].Orders)
	assert.True(t, levels[1].Price.Equal(d("102")))
}

func TestSideBook_OrderingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		side := OrderSide(rapid.IntRange(1, 2).Draw(t, "side"))
		book := NewSideBook("BTCUSD", side)
		n := rapid.IntRange(1, 40).Draw(t, "n")
		for i := 0; i < n; i++ {
			price := rapid.IntRange(90, 110).Draw(t, "price")
			offset := rapid.IntRange(0, 5).Draw(t, "offset")
			book.Insert(restingOrder(fmt.Sprintf("o%d", i), side, fmt.Sprint(price), "1", t0.Add(time.Duration(offset)*time.Second), int64(i)))
		}

		orders := book.Orders()
		for i := 1; i < len(orders); i++ {
			prev, cur := orders[i-1], orders[i]
			if prev.Price.Equal(cur.Price) {
				if prev.RegisteredAt.Equal(cur.RegisteredAt) {
					if prev.Sequence >= cur.Sequence {
						t.Fatalf("sequence out of order at %d", i)
					}
				} else if prev.RegisteredAt.After(cur.RegisteredAt) {
					t.Fatalf("time priority violated at %d", i)
				}
				continue
			}
			if side == SideBuy && prev.Price.LessThan(cur.Price) {
				t.Fatalf("bids not descending at %d", i)
			}
			if side == SideSell && prev.Price.GreaterThan(cur.Price) {
				t.Fatalf("asks not ascending at %d", i)
			}
		}
	})
}
