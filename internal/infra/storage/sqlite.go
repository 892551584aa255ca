package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"market_pulse/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage persists the instrument catalog, app settings and the positions handed
// over by the trading domain. Prices are never persisted.
type Storage struct {
	db *gorm.DB
}

var (
	_ domain.InstrumentRepository = (*Storage)(nil)
	_ domain.PositionRepository   = (*Storage)(nil)
)

// NewStorage opens (or creates) the SQLite database at dbPath.
func NewStorage(dbPath string) (*Storage, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&domain.Instrument{}, &domain.AppConfig{}, &domain.PositionSnapshot{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Instrument Operations
// ======================================================================================

// UpsertInstrument creates or updates instrument metadata
func (s *Storage) UpsertInstrument(inst *domain.Instrument) error {
	inst.Symbol = domain.NormalizeSymbol(inst.Symbol)
	if inst.Symbol == "" {
		return domain.ErrInvalidSymbol
	}
	return s.db.Save(inst).Error
}

// GetInstrument retrieves an instrument by symbol. A missing row returns nil, nil.
func (s *Storage) GetInstrument(symbol string) (*domain.Instrument, error) {
	var inst domain.Instrument
	err := s.db.First(&inst, "symbol = ?", domain.NormalizeSymbol(symbol)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetAllInstruments retrieves the whole catalog ordered by symbol
func (s *Storage) GetAllInstruments() ([]domain.Instrument, error) {
	var insts []domain.Instrument
	err := s.db.Order("symbol").Find(&insts).Error
	return insts, err
}

// ActiveInstruments retrieves the instruments the engine should track
func (s *Storage) ActiveInstruments() ([]domain.Instrument, error) {
	var insts []domain.Instrument
	err := s.db.Where("is_active = ?", true).Order("symbol").Find(&insts).Error
	return insts, err
}

// ToggleFavorite toggles the favorite status of an instrument
func (s *Storage) ToggleFavorite(symbol string) (bool, error) {
	var inst domain.Instrument
	if err := s.db.First(&inst, "symbol = ?", domain.NormalizeSymbol(symbol)).Error; err != nil {
		return false, err
	}

	inst.IsFavorite = !inst.IsFavorite
	err := s.db.Save(&inst).Error
	return inst.IsFavorite, err
}

// MarkIconSynced records the local icon path of an instrument
func (s *Storage) MarkIconSynced(symbol, iconPath string) error {
	return s.db.Model(&domain.Instrument{}).
		Where("symbol = ?", domain.NormalizeSymbol(symbol)).
		Updates(map[string]interface{}{"icon_path": iconPath, "last_synced_at": time.Now()}).Error
}

// DeleteInstrument deletes an instrument from the catalog
func (s *Storage) DeleteInstrument(symbol string) error {
	return s.db.Where("symbol = ?", domain.NormalizeSymbol(symbol)).Delete(&domain.Instrument{}).Error
}

// ======================================================================================
// Position Operations
// ======================================================================================

// UpsertPosition stores a position received from the trading domain
func (s *Storage) UpsertPosition(p *domain.PositionSnapshot) error {
	if p.ID == "" {
		return errors.New("position id is required")
	}
	return s.db.Save(p).Error
}

// OpenPositions retrieves every position still valued against live prices
func (s *Storage) OpenPositions() ([]domain.PositionSnapshot, error) {
	var positions []domain.PositionSnapshot
	err := s.db.Where("status = ?", domain.PositionOpen).Order("id").Find(&positions).Error
	return positions, err
}

// DeletePosition removes a position
func (s *Storage) DeletePosition(id string) error {
	return s.db.Where("id = ?", id).Delete(&domain.PositionSnapshot{}).Error
}

// ======================================================================================
// Config Operations
// ======================================================================================

// SaveConfig saves a user configuration
func (s *Storage) SaveConfig(key, value string) error {
	config := domain.AppConfig{
		Key:   key,
		Value: value,
	}
	return s.db.Save(&config).Error
}

// GetConfig loads one configuration value
func (s *Storage) GetConfig(key string) (string, error) {
	var cfg domain.AppConfig
	err := s.db.Where(&domain.AppConfig{Key: key}).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", domain.ErrConfigNotFound
	}
	return cfg.Value, err
}

// LoadConfigMap loads all user configurations as a map
func (s *Storage) LoadConfigMap() (map[string]string, error) {
	var configs []domain.AppConfig
	if err := s.db.Find(&configs).Error; err != nil {
		return nil, err
	}

	result := make(map[string]string)
	for _, cfg := range configs {
		result[cfg.Key] = cfg.Value
	}
	return result, nil
}
