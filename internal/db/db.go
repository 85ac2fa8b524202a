// Package db
package db

import (
	"database/sql"

	"ordersentry/internal/journal"
	"ordersentry/internal/ledger"
)

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB
	ledger.Ledger
	journal.Journaler
}
