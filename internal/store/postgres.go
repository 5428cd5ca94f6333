package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/terminal-bench/liquiflow/internal/audit"
	"github.com/terminal-bench/liquiflow/internal/instruction"
	"github.com/terminal-bench/liquiflow/internal/ledger"
)

// Snapshot is the serializable state needed for restart and replay:
// account id -> balance and token list, book -> ordered queue contents,
// and the hash-chained decision log.
type Snapshot struct {
	Accounts []ledger.AccountSnapshot
	Queues   map[string][]*instruction.Instruction
	Chain    []audit.Entry
}

// Store persists engine snapshots to Postgres.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection, mainly for tests.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the snapshot schema.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			balance NUMERIC NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deposit_tokens (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			amount NUMERIC NOT NULL,
			minted_at TIMESTAMPTZ NOT NULL,
			position INT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queued_instructions (
			book TEXT NOT NULL,
			position INT NOT NULL,
			instruction JSONB NOT NULL,
			PRIMARY KEY (book, position)
		)`,
		`CREATE TABLE IF NOT EXISTS decision_chain (
			seq INT PRIMARY KEY,
			decision JSONB NOT NULL,
			hash TEXT NOT NULL,
			prev_hash TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Save replaces the persisted snapshot atomically.
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"deposit_tokens", "accounts", "queued_instructions", "decision_chain"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, acct := range snap.Accounts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (id, balance) VALUES ($1, $2)`,
			acct.ID, acct.Balance,
		); err != nil {
			return fmt.Errorf("failed to save account %s: %w", acct.ID, err)
		}
		for pos, token := range acct.Tokens {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO deposit_tokens (id, account_id, amount, minted_at, position)
				 VALUES ($1, $2, $3, $4, $5)`,
				token.ID, acct.ID, token.Amount, token.MintedAt, pos,
			); err != nil {
				return fmt.Errorf("failed to save token %s: %w", token.ID, err)
			}
		}
	}

	for book, instrs := range snap.Queues {
		for pos, instr := range instrs {
			payload, err := json.Marshal(instr)
			if err != nil {
				return fmt.Errorf("failed to marshal instruction %s: %w", instr.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO queued_instructions (book, position, instruction)
				 VALUES ($1, $2, $3)`,
				book, pos, payload,
			); err != nil {
				return fmt.Errorf("failed to save queued instruction %s: %w", instr.ID, err)
			}
		}
	}

	for _, entry := range snap.Chain {
		payload, err := json.Marshal(entry.Decision)
		if err != nil {
			return fmt.Errorf("failed to marshal decision %d: %w", entry.Seq, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO decision_chain (seq, decision, hash, prev_hash)
			 VALUES ($1, $2, $3, $4)`,
			entry.Seq, payload, entry.Proof.Hash, entry.Proof.PrevHash,
		); err != nil {
			return fmt.Errorf("failed to save chain entry %d: %w", entry.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// Load reads the persisted snapshot. Returns an empty snapshot when
// nothing was saved yet.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Queues: make(map[string][]*instruction.Instruction)}

	rows, err := s.db.QueryContext(ctx, `SELECT id, balance FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	for rows.Next() {
		var acct ledger.AccountSnapshot
		if err := rows.Scan(&acct.ID, &acct.Balance); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		snap.Accounts = append(snap.Accounts, acct)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range snap.Accounts {
		acct := &snap.Accounts[i]
		tokenRows, err := s.db.QueryContext(ctx,
			`SELECT id, amount, minted_at FROM deposit_tokens
			 WHERE account_id = $1 ORDER BY position`,
			acct.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load tokens for %s: %w", acct.ID, err)
		}
		for tokenRows.Next() {
			var token ledger.DepositToken
			if err := tokenRows.Scan(&token.ID, &token.Amount, &token.MintedAt); err != nil {
				tokenRows.Close()
				return nil, fmt.Errorf("failed to scan token: %w", err)
			}
			acct.Tokens = append(acct.Tokens, token)
		}
		tokenRows.Close()
		if err := tokenRows.Err(); err != nil {
			return nil, err
		}
	}

	queueRows, err := s.db.QueryContext(ctx,
		`SELECT book, instruction FROM queued_instructions ORDER BY book, position`)
	if err != nil {
		return nil, fmt.Errorf("failed to load queues: %w", err)
	}
	for queueRows.Next() {
		var book string
		var payload []byte
		if err := queueRows.Scan(&book, &payload); err != nil {
			queueRows.Close()
			return nil, fmt.Errorf("failed to scan queued instruction: %w", err)
		}
		var instr instruction.Instruction
		if err := json.Unmarshal(payload, &instr); err != nil {
			queueRows.Close()
			return nil, fmt.Errorf("failed to unmarshal queued instruction: %w", err)
		}
		snap.Queues[book] = append(snap.Queues[book], &instr)
	}
	queueRows.Close()
	if err := queueRows.Err(); err != nil {
		return nil, err
	}

	chainRows, err := s.db.QueryContext(ctx,
		`SELECT seq, decision, hash, prev_hash FROM decision_chain ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to load decision chain: %w", err)
	}
	for chainRows.Next() {
		var entry audit.Entry
		var payload []byte
		if err := chainRows.Scan(&entry.Seq, &payload, &entry.Proof.Hash, &entry.Proof.PrevHash); err != nil {
			chainRows.Close()
			return nil, fmt.Errorf("failed to scan chain entry: %w", err)
		}
		if err := json.Unmarshal(payload, &entry.Decision); err != nil {
			chainRows.Close()
			return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
		}
		snap.Chain = append(snap.Chain, entry)
	}
	chainRows.Close()
	if err := chainRows.Err(); err != nil {
		return nil, err
	}

	return snap, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
