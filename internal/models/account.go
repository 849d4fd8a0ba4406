package models

import (
	"fmt"
	"time"
)

// Account is a linked Instagram publishing account and its daily schedule
type Account struct {
	ID              string    `gorm:"primaryKey;size:64" json:"id"`
	PlatformUserID  string    `gorm:"size:64;not null" json:"platform_user_id"` // Instagram business account ID
	DisplayName     string    `gorm:"size:255" json:"display_name"`
	Timezone        string    `gorm:"size:64;not null;default:'UTC'" json:"timezone"`
	IsActive        bool      `gorm:"index" json:"is_active"`
	Slots           Slots     `gorm:"type:text" json:"slots"`
	CategoryWeights Weights   `gorm:"type:text" json:"category_weights"`
	AccessToken     string    `gorm:"type:text" json:"-"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Location loads the account's timezone
func (a *Account) Location() (*time.Location, error) {
	tz := a.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("account %s: invalid timezone %q: %w", a.ID, tz, err)
	}
	return loc, nil
}

// Validate checks the account's settings
func (a *Account) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("account id is required")
	}
	if a.PlatformUserID == "" {
		return fmt.Errorf("account %s: platform user id is required", a.ID)
	}
	if _, err := a.Location(); err != nil {
		return err
	}
	if err := a.Slots.Validate(); err != nil {
		return fmt.Errorf("account %s: %w", a.ID, err)
	}
	if err := a.CategoryWeights.Validate(); err != nil {
		return fmt.Errorf("account %s: %w", a.ID, err)
	}
	return nil
}
