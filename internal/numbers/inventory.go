package numbers

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"callcenter-platform/internal/calls"
)

var ErrInvalidNumber = errors.New("numbers: invalid number")

// Inventory resolves which workspace owns a platform phone number. Webhooks
// carry no tenant identity, so the dialed/dialing number is the only way to
// scope an event to a workspace.
type Inventory interface {
	WorkspaceForNumber(ctx context.Context, number string) (string, bool, error)
}

// MemoryInventory is a mutex-guarded map for tests and early development.
// Keys are normalized digits.
type MemoryInventory struct {
	mu      sync.Mutex
	numbers map[string]string
}

func NewMemoryInventory() *MemoryInventory {
	return &MemoryInventory{numbers: map[string]string{}}
}

func (i *MemoryInventory) Add(number, workspaceID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.numbers[calls.NormalizeNumber(number)] = workspaceID
}

func (i *MemoryInventory) WorkspaceForNumber(ctx context.Context, number string) (string, bool, error) {
	digits := calls.NormalizeNumber(number)
	if digits == "" {
		return "", false, ErrInvalidNumber
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	wid, ok := i.numbers[digits]
	return wid, ok, nil
}

// PostgresInventory reads the workspace_numbers table.
//
// Schema expectation: workspace_numbers(number_digits TEXT PRIMARY KEY,
// workspace_id TEXT NOT NULL).
type PostgresInventory struct {
	db *sql.DB
}

func NewPostgresInventory(db *sql.DB) *PostgresInventory {
	return &PostgresInventory{db: db}
}

func (i *PostgresInventory) WorkspaceForNumber(ctx context.Context, number string) (string, bool, error) {
	digits := calls.NormalizeNumber(number)
	if digits == "" {
		return "", false, ErrInvalidNumber
	}
	var wid string
	err := i.db.QueryRowContext(ctx,
		`SELECT workspace_id FROM workspace_numbers WHERE number_digits = $1`, digits).Scan(&wid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return wid, true, nil
}
