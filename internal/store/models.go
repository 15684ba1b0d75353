package store

import "time"

// FoodCarb is a catalog row: grams of carbohydrate per standard portion of a food label.
type FoodCarb struct {
	Label     string  `gorm:"primaryKey;size:128"`
	Carbs     float64 `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
