// Package ledger is a small account ledger used by the pagetrace example
// server. Balances live in sqlite and are read through an in-memory cache,
// so a traced page shows queries, cache reads and cache writes side by side.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/chosenoffset/pagetrace/pkg/pagetrace"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/logs"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/sqltrace"
)

var (
	ErrExists            = errors.New("account already exists")
	ErrNotFound          = errors.New("account not found")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id      TEXT PRIMARY KEY,
	balance REAL NOT NULL
)`

// Account is one row of the ledger.
type Account struct {
	ID      string  `db:"id" json:"id"`
	Balance float64 `db:"balance" json:"balance"`
}

// Ledger manages account balances. Writes are serialized; reads go through
// the balance cache.
type Ledger struct {
	db *sqltrace.DB
	mu sync.Mutex

	cacheMu sync.RWMutex
	cache   map[string]float64
}

// New creates the schema if needed and returns a ledger backed by db.
func New(ctx context.Context, db *sqltrace.DB) (*Ledger, error) {
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY.
	db.Unwrap().SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &Ledger{db: db, cache: make(map[string]float64)}, nil
}

func (l *Ledger) CreateAccount(ctx context.Context, id string, balance float64) error {
	if balance < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int
	if err := l.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM accounts WHERE id = ?`, id); err != nil {
		return err
	}
	if n > 0 {
		return ErrExists
	}
	if _, err := l.db.NamedExecContext(ctx,
		`INSERT INTO accounts (id, balance) VALUES (:id, :balance)`,
		Account{ID: id, Balance: balance}); err != nil {
		return err
	}
	pagetrace.Record(ctx, logs.LevelInfo, fmt.Sprintf("account %s opened with %.2f", id, balance))
	return nil
}

// Balance returns the balance of id, from the cache when possible.
func (l *Ledger) Balance(ctx context.Context, id string) (float64, error) {
	l.cacheMu.RLock()
	balance, ok := l.cache[id]
	l.cacheMu.RUnlock()
	if ok {
		pagetrace.CacheRead(ctx)
		return balance, nil
	}

	err := l.db.GetContext(ctx, &balance, `SELECT balance FROM accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	l.store(ctx, id, balance)
	return balance, nil
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount float64) error {
	if amount <= 0 || from == to {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var accounts []Account
	if err := l.db.SelectContext(ctx, &accounts,
		`SELECT id, balance FROM accounts WHERE id IN (?, ?)`, from, to); err != nil {
		return err
	}
	if len(accounts) != 2 {
		return ErrNotFound
	}
	for _, a := range accounts {
		if a.ID == from && a.Balance < amount {
			pagetrace.Record(ctx, logs.LevelNotice,
				fmt.Sprintf("transfer of %.2f from %s refused, balance %.2f", amount, from, a.Balance))
			return ErrInsufficientFunds
		}
	}

	if _, err := l.db.ExecContext(ctx, `
		UPDATE accounts
		SET balance = CASE id WHEN ? THEN balance - ? ELSE balance + ? END
		WHERE id IN (?, ?)`, from, amount, amount, from, to); err != nil {
		return err
	}

	l.cacheMu.Lock()
	delete(l.cache, from)
	delete(l.cache, to)
	l.cacheMu.Unlock()

	pagetrace.Record(ctx, logs.LevelInfo, fmt.Sprintf("transferred %.2f from %s to %s", amount, from, to))
	return nil
}

// Accounts lists every account ordered by id.
func (l *Ledger) Accounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := l.db.SelectContext(ctx, &accounts, `SELECT id, balance FROM accounts ORDER BY id`); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (l *Ledger) store(ctx context.Context, id string, balance float64) {
	l.cacheMu.Lock()
	l.cache[id] = balance
	l.cacheMu.Unlock()
	pagetrace.CacheWrite(ctx)
}
