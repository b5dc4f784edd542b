package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"stockduel/internal/candle"
	"stockduel/internal/position"
	"stockduel/internal/room"
	"stockduel/internal/store"
)

type recordingBus struct {
	mu     sync.Mutex
	dests  []string
	events []interface{}
}

func (b *recordingBus) Publish(_ context.Context, dest string, v interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dests = append(b.dests, dest)
	b.events = append(b.events, v)
}

func (b *recordingBus) published(dest string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.dests {
		if d == dest {
			return true
		}
	}
	return false
}

// fixture builds a store, candle source, and ACTIVE match over the S1-style
// series with closes [100, 102, 101, 103, 105].
type fixture struct {
	store     *store.Store
	candles   *candle.Source
	positions *position.Store
	rooms     *room.Manager
	bus       *recordingBus
	exec      *Executor
	match     *store.Match
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	csv := `date,open,high,low,close
2020-01-01,100,101,99,100.00
2020-01-02,100,103,100,102.00
2020-01-03,102,103,100,101.00
2020-01-04,101,104,101,103.00
2020-01-05,103,106,102,105.00
`
	if err := os.WriteFile(filepath.Join(dir, "RELIANCE.csv"), []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	st.EnsureUser("u1", "alice")
	st.EnsureUser("u2", "bob")

	m := &store.Match{
		ID:              "m1",
		Symbol:          "RELIANCE",
		DurationMinutes: 1,
		CreatorID:       "u1",
		StartingBalance: 10000000, // 100,000.00
		CandleCount:     5,
	}
	if err := st.CreateMatch(m); err != nil {
		t.Fatal(err)
	}
	st.SetOpponent("m1", "u2", 1)
	st.ActivateMatch("m1")

	positions := position.NewStore()
	positions.Init("m1", []string{"u1", "u2"}, m.StartingBalance)

	bus := &recordingBus{}
	f := &fixture{
		store:     st,
		candles:   candle.NewSource(dir),
		positions: positions,
		rooms:     room.NewManager(),
		bus:       bus,
		match:     m,
	}
	f.exec = NewExecutor(st, positions, f.candles, bus, zerolog.Nop())
	return f
}

func TestBuyUsesServerPrice(t *testing.T) {
	f := newFixture(t)

	trade, err := f.exec.Execute(context.Background(), "m1", "u1", "RELIANCE", "BUY", 100)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	// Candle index 0 close is 100.00 regardless of anything the client sent.
	if trade.Price != 10000 {
		t.Errorf("expected price 10000 cents, got %d", trade.Price)
	}

	snap, _ := f.positions.Snapshot("m1", "u1")
	if snap.Cash != 10000000-100*10000 {
		t.Errorf("cash after buy: %d", snap.Cash)
	}
	if snap.Long != 100 {
		t.Errorf("long after buy: %d", snap.Long)
	}

	if !f.bus.published("/match/m1/trade") || !f.bus.published("/match/m1/state") {
		t.Error("trade and state events not broadcast")
	}

	persisted, _ := f.store.ListTrades("m1")
	if len(persisted) != 1 {
		t.Errorf("expected 1 persisted trade, got %d", len(persisted))
	}
}

func TestBuyBoundary(t *testing.T) {
	f := newFixture(t)

	// Exactly all cash: 1000 shares at 100.00 costs 100,000.00.
	if _, err := f.exec.Execute(context.Background(), "m1", "u1", "RELIANCE", "BUY", 1000); err != nil {
		t.Fatalf("exact-cash buy rejected: %v", err)
	}
	// One more cent's worth is too much.
	if _, err := f.exec.Execute(context.Background(), "m1", "u1", "RELIANCE", "BUY", 1); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	// The rejection was not persisted but did emit a user error event.
	persisted, _ := f.store.ListTrades("m1")
	if len(persisted) != 1 {
		t.Errorf("rejected trade persisted: %d records", len(persisted))
	}
	if !f.bus.published("/match/m1/error/u1") {
		t.Error("rejection did not emit targeted error event")
	}
}

func TestSellBoundaryAndProfit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.exec.Execute(ctx, "m1", "u1", "RELIANCE", "BUY", 100) // at 100.00
	f.store.AdvanceCandle("m1", 0)                          // close now 102.00

	// Selling more than held is rejected.
	if _, err := f.exec.Execute(ctx, "m1", "u1", "RELIANCE", "SELL", 101); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
	// Selling exactly the holding succeeds and is profitable (102 > 100).
	if _, err := f.exec.Execute(ctx, "m1", "u1", "RELIANCE", "SELL", 100); err != nil {
		t.Fatalf("sell: %v", err)
	}

	snap, _ := f.positions.Snapshot("m1", "u1")
	if snap.Long != 0 || snap.LongCost != 0 {
		t.Errorf("long not flat: %+v", snap)
	}
	if snap.Cash != 10000000+100*(10200-10000) {
		t.Errorf("cash after round trip: %d", snap.Cash)
	}
	if snap.Profitable != 1 || snap.Closing != 1 {
		t.Errorf("profit accounting: %+v", snap)
	}
}

func TestShortCoverAccounting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.AdvanceCandle("m1", 0) // close 102.00
	if _, err := f.exec.Execute(ctx, "m1", "u2", "RELIANCE", "SHORT", 100); err != nil {
		t.Fatalf("short: %v", err)
	}

	snap, _ := f.positions.Snapshot("m1", "u2")
	// Collateral is held, not transferred: cash unchanged.
	if snap.Cash != 10000000 {
		t.Errorf("cash after short: %d", snap.Cash)
	}
	if snap.Short != 100 || snap.ShortAvg() != 10200 {
		t.Errorf("short position: %+v", snap)
	}

	// Covering more than the short position is rejected.
	if _, err := f.exec.Execute(ctx, "m1", "u2", "RELIANCE", "COVER", 101); !errors.Is(err, ErrInsufficientShortPosition) {
		t.Errorf("expected ErrInsufficientShortPosition, got %v", err)
	}

	f.store.AdvanceCandle("m1", 1) // close 101.00: cover at a profit
	if _, err := f.exec.Execute(ctx, "m1", "u2", "RELIANCE", "COVER", 100); err != nil {
		t.Fatalf("cover: %v", err)
	}
	snap, _ = f.positions.Snapshot("m1", "u2")
	if snap.Cash != 10000000+100*(10200-10100) {
		t.Errorf("cash after cover: %d", snap.Cash)
	}
	if snap.Short != 0 || snap.Profitable != 1 {
		t.Errorf("cover accounting: %+v", snap)
	}
}

func TestExecutePreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		matchID string
		userID  string
		symbol  string
		typ     string
		qty     int64
		want    error
	}{
		{"zero quantity", "m1", "u1", "RELIANCE", "BUY", 0, ErrInvalidQuantity},
		{"negative quantity", "m1", "u1", "RELIANCE", "BUY", -5, ErrInvalidQuantity},
		{"bad type", "m1", "u1", "RELIANCE", "HOLD", 1, ErrInvalidType},
		{"not participant", "m1", "u3", "RELIANCE", "BUY", 1, ErrNotParticipant},
		{"symbol mismatch", "m1", "u1", "TCS", "BUY", 1, ErrSymbolMismatch},
		{"unknown match", "nope", "u1", "RELIANCE", "BUY", 1, store.ErrMatchNotFound},
	}
	for _, tc := range cases {
		if _, err := f.exec.Execute(ctx, tc.matchID, tc.userID, tc.symbol, tc.typ, tc.qty); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	f.store.AbandonMatch("m1", "test")
	if _, err := f.exec.Execute(ctx, "m1", "u1", "RELIANCE", "BUY", 1); !errors.Is(err, ErrInvalidMatchState) {
		t.Errorf("expected ErrInvalidMatchState on abandoned match, got %v", err)
	}
}

func TestConcurrentBuysNeverOverspend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Cash 100,000.00 at price 100.00 allows at most 1000 shares total.
	// 2x BUY 600 must not both succeed.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.exec.Execute(ctx, "m1", "u1", "RELIANCE", "BUY", 600)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrInsufficientFunds) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("expected exactly 1 success, got %d", succeeded)
	}

	snap, _ := f.positions.Snapshot("m1", "u1")
	if snap.Cash < 0 {
		t.Errorf("cash went negative: %d", snap.Cash)
	}
	if snap.Cash != 10000000-600*10000 {
		t.Errorf("unexpected cash: %d", snap.Cash)
	}
}

func TestResolverHappyPath(t *testing.T) {
	// Scenario: creator buys 100 at candle 0 (100.00), opponent shorts 100
	// at candle 1 (102.00), match ends at candle 4 (105.00).
	f := newFixture(t)
	ctx := context.Background()

	f.exec.Execute(ctx, "m1", "u1", "RELIANCE", "BUY", 100)
	f.store.AdvanceCandle("m1", 0)
	f.exec.Execute(ctx, "m1", "u2", "RELIANCE", "SHORT", 100)
	for i := 1; i < 4; i++ {
		f.store.AdvanceCandle("m1", i)
	}

	resolver := NewResolver(f.store, f.positions, f.rooms, f.candles, f.bus, zerolog.Nop())
	if err := resolver.Finish(ctx, "m1"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	m, _ := f.store.GetMatch("m1")
	if m.Status != store.StatusFinished {
		t.Fatalf("expected FINISHED, got %s", m.Status)
	}
	// Creator: 90,000 cash + 100 shares * 105.00 = 100,500.00.
	if m.CreatorFinal != 10050000 {
		t.Errorf("creator final: %d", m.CreatorFinal)
	}
	// Opponent: 100,000 + 100*(102.00-105.00) = 99,700.00.
	if m.OpponentFinal != 9970000 {
		t.Errorf("opponent final: %d", m.OpponentFinal)
	}
	if m.CreatorDelta != 16 || m.OpponentDelta != -16 {
		t.Errorf("deltas: %d %d", m.CreatorDelta, m.OpponentDelta)
	}

	u1, _ := f.store.GetUser("u1")
	u2, _ := f.store.GetUser("u2")
	if u1.Rating != 1016 || u2.Rating != 984 {
		t.Errorf("ratings: %d %d", u1.Rating, u2.Rating)
	}

	if !f.bus.published("/match/m1/finished") {
		t.Error("finished event not broadcast")
	}
	// Positions evicted on the terminal path.
	if f.positions.Len() != 0 {
		t.Errorf("positions not evicted: %d", f.positions.Len())
	}

	// A second finish must fail; ratings are applied exactly once.
	if err := resolver.Finish(ctx, "m1"); err == nil {
		t.Error("second finish should fail")
	}
}

func TestResolverReplaysMissingPositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.exec.Execute(ctx, "m1", "u1", "RELIANCE", "BUY", 100)
	for i := 0; i < 4; i++ {
		f.store.AdvanceCandle("m1", i)
	}
	// Simulate a lease takeover on an instance that never hosted positions.
	f.positions.EvictMatch("m1")

	resolver := NewResolver(f.store, f.positions, f.rooms, f.candles, f.bus, zerolog.Nop())
	if err := resolver.Finish(ctx, "m1"); err != nil {
		t.Fatalf("finish after takeover: %v", err)
	}

	m, _ := f.store.GetMatch("m1")
	if m.CreatorFinal != 10050000 {
		t.Errorf("replayed creator final: %d", m.CreatorFinal)
	}
}

func TestResolverAbandon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resolver := NewResolver(f.store, f.positions, f.rooms, f.candles, f.bus, zerolog.Nop())
	if err := resolver.Abandon(ctx, "m1", "player u2 disconnected"); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	m, _ := f.store.GetMatch("m1")
	if m.Status != store.StatusAbandoned {
		t.Errorf("expected ABANDONED, got %s", m.Status)
	}

	u1, _ := f.store.GetUser("u1")
	if u1.Rating != 1000 {
		t.Errorf("abandon must not change ratings: %d", u1.Rating)
	}

	// Idempotent on terminal matches.
	if err := resolver.Abandon(ctx, "m1", "again"); err != nil {
		t.Errorf("re-abandon should be a no-op, got %v", err)
	}
}
