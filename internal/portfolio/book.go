package portfolio

import (
	"log/slog"
	"sort"
	"sync"

	"market_pulse/internal/domain"
)

// Book is the engine's view of the trading domain's positions.
// One writer (the engine loop) applies flushes, any number of readers take snapshots.
type Book struct {
	mu        sync.RWMutex
	positions []domain.PositionSnapshot
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{}
}

// Load replaces the book with the positions of repo.
func (b *Book) Load(repo domain.PositionRepository) error {
	positions, err := repo.OpenPositions()
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.positions = append([]domain.PositionSnapshot(nil), positions...)
	b.sortLocked()
	b.mu.Unlock()

	slog.Info("Positions loaded", slog.Int("count", len(positions)))
	return nil
}

// Upsert inserts or replaces a position by ID.
func (b *Book) Upsert(p domain.PositionSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.positions {
		if b.positions[i].ID == p.ID {
			b.positions[i] = p
			return
		}
	}
	b.positions = append(b.positions, p)
	b.sortLocked()
}

// Remove drops a position by ID.
func (b *Book) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.positions {
		if b.positions[i].ID == id {
			b.positions = append(b.positions[:i], b.positions[i+1:]...)
			return
		}
	}
}

// Apply revalues the book against one flush batch and returns the positions that changed.
func (b *Book) Apply(batch map[string]domain.PriceTick) []domain.PositionSnapshot {
	if len(batch) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.positions) == 0 {
		return nil
	}

	var changed []domain.PositionSnapshot
	for _, tick := range batch {
		next, updated := Reconcile(b.positions, tick)
		if len(updated) == 0 {
			continue
		}
		b.positions = next
		changed = append(changed, updated...)
	}
	return changed
}

// Snapshots returns a copy of all positions.
func (b *Book) Snapshots() []domain.PositionSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.PositionSnapshot, len(b.positions))
	copy(out, b.positions)
	return out
}

func (b *Book) sortLocked() {
	sort.SliceStable(b.positions, func(i, j int) bool {
		return b.positions[i].ID < b.positions[j].ID
	})
}
