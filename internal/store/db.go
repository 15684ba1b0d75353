package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Database wraps the GORM handle for the food catalog.
type Database struct {
	gorm *gorm.DB
	mu   sync.Mutex
}

// Open initializes the SQLite-backed catalog at the provided path.
func Open(path string, silent bool) (*Database, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path required")
	}
	cfg := &gorm.Config{}
	if silent {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(sqlite.Open(path), cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&FoodCarb{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		logrus.WithError(err).Warn("enable WAL mode")
	}
	return &Database{gorm: db}, nil
}

// Close closes the underlying database connection.
func (d *Database) Close() error {
	if d == nil {
		return nil
	}
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertFoodCarb inserts or updates a single catalog row.
func (d *Database) UpsertFoodCarb(row *FoodCarb) error {
	if row == nil {
		return errors.New("food carb is nil")
	}
	row.Label = strings.TrimSpace(row.Label)
	if row.Label == "" {
		return errors.New("food label is empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "label"}},
		DoUpdates: clause.AssignmentColumns([]string{"carbs", "updated_at"}),
	}).Create(row).Error
}

// ReplaceFoodCarbs swaps the whole catalog with the provided rows.
func (d *Database) ReplaceFoodCarbs(rows []FoodCarb) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&FoodCarb{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		const batchSize = 250
		return tx.CreateInBatches(rows, batchSize).Error
	})
}

// ListFoodCarbs returns every catalog row ordered by label.
func (d *Database) ListFoodCarbs() ([]FoodCarb, error) {
	if d == nil {
		return nil, errors.New("database is nil")
	}
	var rows []FoodCarb
	if err := d.gorm.Order("label ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CountFoodCarbs returns the number of catalog rows.
func (d *Database) CountFoodCarbs() (int64, error) {
	var count int64
	if err := d.gorm.Model(&FoodCarb{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
