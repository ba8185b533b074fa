package models

import (
	"time"
)

// RoleName enumerates the RBAC roles.
type RoleName string

const (
	RoleAdmin    RoleName = "admin"
	RoleOperator RoleName = "operator"
)

// User represents an authenticated admin account.
type User struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Email     string `gorm:"uniqueIndex"`
	Password  string
	Role      RoleName `gorm:"type:varchar(16)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StationStatus enumerates relay states persisted on a station.
type StationStatus string

const (
	StationActive   StationStatus = "active"
	StationInactive StationStatus = "inactive"
)

// Station describes one relayed mountpoint: the upstream caster it pulls
// corrections from and the sourcetable metadata it is served under.
type Station struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	Name        string `gorm:"uniqueIndex"` // mountpoint name on our caster
	Description string `gorm:"type:text"`
	Latitude    float64
	Longitude   float64

	// Upstream NTRIP source.
	SourceHost       string
	SourcePort       int
	SourceMountpoint string
	SourceUsername   string
	SourcePassword   string

	Status StationStatus `gorm:"type:varchar(16);index"`

	// Sourcetable metadata.
	Carrier   string `gorm:"type:varchar(8)"`
	NavSystem string `gorm:"type:varchar(64)"`
	Network   string `gorm:"type:varchar(64)"`
	Country   string `gorm:"type:varchar(8)"`

	LocationID *string `gorm:"type:uuid"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsActive reports whether the station should have a running relay.
func (s *Station) IsActive() bool {
	return s.Status == StationActive
}

// Rover is a GNSS receiver account allowed to subscribe to correction
// streams on the caster.
type Rover struct {
	ID       string `gorm:"type:uuid;primaryKey"`
	Username string `gorm:"uniqueIndex"`
	Password string // bcrypt hash
	UserID   string `gorm:"type:uuid;index"`

	StationID *string `gorm:"type:uuid;index"` // optional assigned station

	Status    StationStatus `gorm:"type:varchar(16)"`
	StartDate *time.Time
	EndDate   *time.Time

	LastConnection *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsCurrentlyActive derives the effective account state at the given
// instant. Start and end dates are day granular: the account is usable from
// the start date's day through the end date's day inclusive. Not persisted.
func (r *Rover) IsCurrentlyActive(now time.Time) bool {
	if r.Status != StationActive {
		return false
	}
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if r.StartDate != nil && !r.StartDate.Before(startOfToday.AddDate(0, 0, 1)) {
		return false
	}
	if r.EndDate != nil && r.EndDate.Before(startOfToday) {
		return false
	}
	return true
}

// Location is a named reference position operators attach stations to.
type Location struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	Name        string `gorm:"uniqueIndex"`
	Description string `gorm:"type:text"`
	Latitude    float64
	Longitude   float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
