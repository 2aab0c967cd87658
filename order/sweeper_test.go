package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"nado-grid-bot/gateway"
	"nado-grid-bot/infrastructure/logger"
)

func TestSweepCancelsOnlyStaleOrders(t *testing.T) {
	venue := &fakeVenue{}
	book := NewActiveBook()
	s := NewSweeper("BTC-PERP", 15*time.Minute, venue, book, logger.Nop())

	base := time.Now()
	s.now = func() time.Time { return base }

	book.Put(LiveOrder{SlotKey: "buy_0", VenueID: "old", Side: gateway.SideBuy, PlacedAt: base.Add(-20 * time.Minute)})
	book.Put(LiveOrder{SlotKey: "sell_0", VenueID: "fresh", Side: gateway.SideSell, PlacedAt: base.Add(-1 * time.Minute)})

	swept := s.Sweep(context.Background())

	assert.Equal(t, 1, swept)
	assert.Equal(t, []string{"old"}, venue.canceled)
	_, exists := book.Get("buy_0")
	assert.False(t, exists)
	_, exists = book.Get("sell_0")
	assert.True(t, exists)
}

func TestSweepFailOpenOnCancelError(t *testing.T) {
	venue := &fakeVenue{cancelErr: errors.New("timeout")}
	book := NewActiveBook()
	s := NewSweeper("BTC-PERP", 15*time.Minute, venue, book, logger.Nop())

	base := time.Now()
	s.now = func() time.Time { return base }

	book.Put(LiveOrder{SlotKey: "buy_0", VenueID: "old", Side: gateway.SideBuy, PlacedAt: base.Add(-time.Hour)})

	// 撤单失败也注销登记，交由后续对账重建
	swept := s.Sweep(context.Background())
	assert.Equal(t, 1, swept)
	assert.Zero(t, book.Len())
}

func TestActiveBookRemoveByVenueID(t *testing.T) {
	book := NewActiveBook()
	book.Put(LiveOrder{SlotKey: "buy_0", VenueID: "a"})
	book.Put(LiveOrder{SlotKey: "sell_0", VenueID: "b"})

	o, ok := book.RemoveByVenueID("b")
	assert.True(t, ok)
	assert.Equal(t, "sell_0", o.SlotKey)
	assert.Equal(t, 1, book.Len())

	_, ok = book.RemoveByVenueID("missing")
	assert.False(t, ok)
}
