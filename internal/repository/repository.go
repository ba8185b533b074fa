/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package repository is the narrow persistence surface the relay core
// consumes. Lookups return (nil, nil) when the record is absent; an error
// means the read itself failed.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/friendsincode/ntrip_relay/internal/models"
)

// Repository is the persistence contract of the relay core.
type Repository interface {
	StationFindByID(ctx context.Context, id string) (*models.Station, error)
	StationFindByName(ctx context.Context, name string) (*models.Station, error)
	StationFindActive(ctx context.Context) ([]models.Station, error)
	StationUpdateStatus(ctx context.Context, id string, status models.StationStatus) error

	RoverFindByUsername(ctx context.Context, username string) (*models.Rover, error)
	RoverTouchLastConnection(ctx context.Context, id string, at time.Time) error
}

// Gorm implements Repository on a gorm connection.
type Gorm struct {
	db *gorm.DB
}

// NewGorm wraps a gorm connection.
func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func (r *Gorm) StationFindByID(ctx context.Context, id string) (*models.Station, error) {
	var station models.Station
	if err := r.db.WithContext(ctx).First(&station, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query station: %w", err)
	}
	return &station, nil
}

func (r *Gorm) StationFindByName(ctx context.Context, name string) (*models.Station, error) {
	var station models.Station
	if err := r.db.WithContext(ctx).First(&station, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query station: %w", err)
	}
	return &station, nil
}

func (r *Gorm) StationFindActive(ctx context.Context) ([]models.Station, error) {
	var stations []models.Station
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.StationActive).
		Order("name ASC").
		Find(&stations).Error; err != nil {
		return nil, fmt.Errorf("query active stations: %w", err)
	}
	return stations, nil
}

func (r *Gorm) StationUpdateStatus(ctx context.Context, id string, status models.StationStatus) error {
	if err := r.db.WithContext(ctx).
		Model(&models.Station{}).
		Where("id = ?", id).
		Update("status", status).Error; err != nil {
		return fmt.Errorf("update station status: %w", err)
	}
	return nil
}

func (r *Gorm) RoverFindByUsername(ctx context.Context, username string) (*models.Rover, error) {
	var rover models.Rover
	if err := r.db.WithContext(ctx).First(&rover, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query rover: %w", err)
	}
	return &rover, nil
}

func (r *Gorm) RoverTouchLastConnection(ctx context.Context, id string, at time.Time) error {
	if err := r.db.WithContext(ctx).
		Model(&models.Rover{}).
		Where("id = ?", id).
		Update("last_connection", at).Error; err != nil {
		return fmt.Errorf("update rover last connection: %w", err)
	}
	return nil
}
