package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"market_pulse/internal/domain"

	"github.com/shopspring/decimal"
)

func setupTestDB(t *testing.T) *Storage {
	s, err := NewStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestUpsertAndGetInstrument(t *testing.T) {
	s := setupTestDB(t)

	inst := &domain.Instrument{
		Symbol:          "btc/usdt",
		Name:            "Bitcoin",
		Category:        domain.CategoryCrypto,
		BasePrice:       decimal.RequireFromString("50000.25"),
		StreamSupported: true,
		IsActive:        true,
	}

	// 1. Create
	if err := s.UpsertInstrument(inst); err != nil {
		t.Fatalf("UpsertInstrument failed: %v", err)
	}

	// 2. Get
	fetched, err := s.GetInstrument("BTC-USDT")
	if err != nil {
		t.Fatalf("GetInstrument failed: %v", err)
	}
	if fetched == nil {
		t.Fatal("fetched instrument is nil")
	}
	if fetched.Symbol != "BTCUSDT" {
		t.Errorf("expected symbol BTCUSDT, got %s", fetched.Symbol)
	}
	if !fetched.BasePrice.Equal(decimal.RequireFromString("50000.25")) {
		t.Errorf("expected base price 50000.25, got %s", fetched.BasePrice)
	}

	// 3. Update
	inst.Name = "Bitcoin/Tether"
	if err := s.UpsertInstrument(inst); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	fetched, _ = s.GetInstrument("BTCUSDT")
	if fetched.Name != "Bitcoin/Tether" {
		t.Errorf("expected updated name, got '%s'", fetched.Name)
	}
}

func TestUpsertInstrument_InvalidSymbol(t *testing.T) {
	s := setupTestDB(t)
	if err := s.UpsertInstrument(&domain.Instrument{Symbol: "--"}); !errors.Is(err, domain.ErrInvalidSymbol) {
		t.Errorf("expected ErrInvalidSymbol, got %v", err)
	}
}

func TestActiveInstrumentsAndDelete(t *testing.T) {
	s := setupTestDB(t)
	s.UpsertInstrument(&domain.Instrument{Symbol: "AAA", IsActive: true})
	s.UpsertInstrument(&domain.Instrument{Symbol: "BBB", IsActive: false})
	s.UpsertInstrument(&domain.Instrument{Symbol: "CCC", IsActive: true})

	active, err := s.ActiveInstruments()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 || active[0].Symbol != "AAA" || active[1].Symbol != "CCC" {
		t.Errorf("unexpected active instruments %+v", active)
	}

	if err := s.DeleteInstrument("AAA"); err != nil {
		t.Fatalf("DeleteInstrument failed: %v", err)
	}
	fetched, err := s.GetInstrument("AAA")
	if err != nil {
		t.Fatalf("GetInstrument after delete failed: %v", err)
	}
	if fetched != nil {
		t.Error("expected instrument to be deleted, but found record")
	}

	all, _ := s.GetAllInstruments()
	if len(all) != 2 {
		t.Errorf("expected 2 instruments, got %d", len(all))
	}
}

func TestToggleFavorite(t *testing.T) {
	s := setupTestDB(t)
	s.UpsertInstrument(&domain.Instrument{Symbol: "FAV", IsFavorite: false})

	isFav, err := s.ToggleFavorite("FAV")
	if err != nil {
		t.Fatalf("ToggleFavorite failed: %v", err)
	}
	if !isFav {
		t.Error("expected IsFavorite to be true")
	}

	isFav, _ = s.ToggleFavorite("FAV")
	if isFav {
		t.Error("expected IsFavorite to be false")
	}
}

func TestMarkIconSynced(t *testing.T) {
	s := setupTestDB(t)
	s.UpsertInstrument(&domain.Instrument{Symbol: "ICO"})

	if err := s.MarkIconSynced("ICO", "/tmp/ico.png"); err != nil {
		t.Fatal(err)
	}
	fetched, _ := s.GetInstrument("ICO")
	if fetched.IconPath != "/tmp/ico.png" || fetched.LastSyncedAt.IsZero() {
		t.Errorf("icon sync not recorded: %+v", fetched)
	}
}

func TestPositions(t *testing.T) {
	s := setupTestDB(t)

	open := &domain.PositionSnapshot{
		ID:        "p1",
		Symbol:    "BTCUSDT",
		Direction: domain.DirectionLong,
		OpenPrice: decimal.NewFromInt(49000),
		Amount:    decimal.NewFromInt(500),
		Leverage:  1,
		Status:    domain.PositionOpen,
	}
	closed := &domain.PositionSnapshot{ID: "p2", Symbol: "ETHUSDT", Status: domain.PositionClosed}

	if err := s.UpsertPosition(open); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertPosition(closed); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertPosition(&domain.PositionSnapshot{}); err == nil {
		t.Error("expected error for missing id")
	}

	positions, err := s.OpenPositions()
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 || positions[0].ID != "p1" || !positions[0].OpenPrice.Equal(decimal.NewFromInt(49000)) {
		t.Errorf("unexpected open positions %+v", positions)
	}

	if err := s.DeletePosition("p1"); err != nil {
		t.Fatal(err)
	}
	positions, _ = s.OpenPositions()
	if len(positions) != 0 {
		t.Errorf("expected no open positions, got %d", len(positions))
	}
}

func TestConfig(t *testing.T) {
	s := setupTestDB(t)

	if _, err := s.GetConfig("missing"); !errors.Is(err, domain.ErrConfigNotFound) {
		t.Errorf("expected ErrConfigNotFound, got %v", err)
	}

	s.SaveConfig("theme", "dark")
	s.SaveConfig("theme", "light")
	s.SaveConfig("lang", "en")

	v, err := s.GetConfig("theme")
	if err != nil || v != "light" {
		t.Errorf("expected light, got %q (%v)", v, err)
	}

	m, err := s.LoadConfigMap()
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 2 || m["lang"] != "en" {
		t.Errorf("unexpected config map %v", m)
	}
}
