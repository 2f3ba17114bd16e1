package store

import (
	"testing"
	"time"

	"tradingbus/internal/strategy"
)

func TestSaveAndLoadPosition(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	pos := strategy.Position{
		Quantity:    10.5,
		AvgEntry:    41000,
		RealizedPnL: 1.23,
	}

	if err := s.SavePosition("BTC-USDT", pos); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	loaded, err := s.LoadPosition("BTC-USDT")
	if err != nil {
		t.Fatalf("LoadPosition: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadPosition returned nil")
	}

	if loaded.Quantity != pos.Quantity {
		t.Errorf("Quantity = %v, want %v", loaded.Quantity, pos.Quantity)
	}
	if loaded.AvgEntry != pos.AvgEntry {
		t.Errorf("AvgEntry = %v, want %v", loaded.AvgEntry, pos.AvgEntry)
	}
	if loaded.RealizedPnL != pos.RealizedPnL {
		t.Errorf("RealizedPnL = %v, want %v", loaded.RealizedPnL, pos.RealizedPnL)
	}
}

func TestLoadPositionMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadPosition("nonexistent")
	if err != nil {
		t.Fatalf("LoadPosition: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing position, got %+v", loaded)
	}
}

func TestSavePositionOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	pos1 := strategy.Position{Quantity: 10}
	pos2 := strategy.Position{Quantity: 20}

	_ = s.SavePosition("BTC-USDT", pos1)
	_ = s.SavePosition("BTC-USDT", pos2)

	loaded, err := s.LoadPosition("BTC-USDT")
	if err != nil {
		t.Fatalf("LoadPosition: %v", err)
	}
	if loaded.Quantity != 20 {
		t.Errorf("Quantity = %v, want 20 (latest save)", loaded.Quantity)
	}
}

func TestSaveAndLoadKillSwitch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	until := time.Now().Add(5 * time.Minute).Truncate(time.Second)
	state := KillSwitchState{Active: true, Until: until, Reason: "per_symbol_limit"}

	if err := s.SaveKillSwitch(state); err != nil {
		t.Fatalf("SaveKillSwitch: %v", err)
	}

	loaded, err := s.LoadKillSwitch()
	if err != nil {
		t.Fatalf("LoadKillSwitch: %v", err)
	}
	if !loaded.Active {
		t.Error("Active = false, want true")
	}
	if !loaded.Until.Equal(until) {
		t.Errorf("Until = %v, want %v", loaded.Until, until)
	}
	if loaded.Reason != "per_symbol_limit" {
		t.Errorf("Reason = %q, want per_symbol_limit", loaded.Reason)
	}
}

func TestLoadKillSwitchMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadKillSwitch()
	if err != nil {
		t.Fatalf("LoadKillSwitch: %v", err)
	}
	if loaded.Active {
		t.Error("expected zero-value (inactive) kill switch state when none persisted")
	}
}
