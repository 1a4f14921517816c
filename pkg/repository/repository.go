package repository

import (
	"context"

	"gorm.io/gorm"
)

// DefaultPageSize is the default page size of list queries when none is
// assigned.
const DefaultPageSize = 10

// MaxPageSize is the maximum page size of list queries.
const MaxPageSize = 100

// Repository gathers the metadata store operations of the pipeline.
type Repository interface {
	Document
	OutboxEvent

	// Transaction runs fn in a database transaction. The repository passed to
	// fn is bound to the transaction; fn's error rolls it back.
	Transaction(ctx context.Context, fn func(tx Repository) error) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a Repository backed by a GORM connection.
func NewRepository(db *gorm.DB) Repository {
	return &repository{
		db: db,
	}
}

func (r *repository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&repository{db: tx})
	})
}

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}
