// Package storage persists the processed-message ledger and role assignments in SQLite.
package storage
