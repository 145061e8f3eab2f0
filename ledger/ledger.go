// Package ledger is the durable multi-asset balance store behind the proxy.
//
// Every credit and debit in the system flows through this package. Balances
// are tracked per (pubkey, token_mint) in the smallest units of the mint
// (lamports for SOL, micro-USDC for USDC), and every balance change appends a
// row to an immutable transaction log, so at any point the balance of an
// agent equals the algebraic sum of its transactions.
//
// The backing store is a single SQLite file in WAL mode: readers never block
// the writer, and all mutations run inside a SQL transaction that is rolled
// back on any failure.
package ledger

import (
	"database/sql"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Transaction types recorded in the log.
const (
	TxDeposit          = "DEPOSIT"
	TxDebit            = "DEBIT"
	TxMirrorDeposit    = "MIRROR_DEPOSIT"
	TxMirrorCorrection = "MIRROR_CORRECTION"
	TxManualSeed       = "MANUAL_SEED"
	TxReset            = "RESET"
)

// Ledger wraps the SQLite connection pool.
//
// All methods are safe for concurrent use; SQLite serializes writers
// internally while WAL keeps readers concurrent with them.
type Ledger struct {
	db *sql.DB
}

// Transaction is one row of the append-only log.
type Transaction struct {
	ID          int64     `json:"id"`
	AgentPubkey string    `json:"agent_pubkey"`
	TokenMint   string    `json:"token_mint"`
	Type        string    `json:"type"`
	Amount      int64     `json:"amount"`
	UsageJSON   string    `json:"usage_json,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Stats are the operator-facing aggregates over the transaction log.
type Stats struct {
	TotalDeposits    int64 `json:"total_deposits"`
	TotalDebits      int64 `json:"total_debits"`
	NetRevenue       int64 `json:"net_revenue"`
	ActiveAgents     int64 `json:"active_agents"`
	RegisteredTokens int64 `json:"registered_tokens"`
}

// Open opens (creating if needed) the ledger database at path and ensures the
// schema exists. Safe to call on every startup.
func Open(path string) (*Ledger, error) {
	dsn := "file:" + path + "?" + url.Values{
		"_journal_mode": {"WAL"},
		"_busy_timeout": {"5000"},
		"_foreign_keys": {"on"},
		"_loc":          {"UTC"},
	}.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open ledger database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping ledger database")
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize ledger schema")
	}
	return &Ledger{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			pubkey     TEXT NOT NULL,
			token_mint TEXT NOT NULL,
			balance    INTEGER DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (pubkey, token_mint)
		);

		CREATE TABLE IF NOT EXISTS transactions (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_pubkey TEXT NOT NULL,
			token_mint   TEXT NOT NULL,
			type         TEXT,
			amount       INTEGER,
			usage_json   TEXT,
			timestamp    DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS token_config (
			token_mint TEXT PRIMARY KEY,
			symbol     TEXT NOT NULL,
			decimals   INTEGER NOT NULL,
			usd_rate   REAL NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS api_tokens (
			api_token    TEXT PRIMARY KEY,
			deposit_code TEXT UNIQUE NOT NULL,
			pubkey       TEXT,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			activated_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_agent ON transactions(agent_pubkey, token_mint);
		CREATE INDEX IF NOT EXISTS idx_transactions_type ON transactions(type);
	`)
	return err
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// SeedTokenConfig inserts mint metadata if absent. Existing rows are left
// untouched so operator rate overrides survive restarts.
func (l *Ledger) SeedTokenConfig(mint, symbol string, decimals int, usdRate float64) error {
	_, err := l.db.Exec(
		`INSERT OR IGNORE INTO token_config (token_mint, symbol, decimals, usd_rate) VALUES (?, ?, ?, ?)`,
		mint, symbol, decimals, usdRate,
	)
	return errors.Wrapf(err, "failed to seed token config for %s", symbol)
}

// GetBalance returns the balance for (pubkey, mint), 0 if no row exists.
func (l *Ledger) GetBalance(pubkey, mint string) (int64, error) {
	var balance int64
	err := l.db.QueryRow(
		`SELECT balance FROM agents WHERE pubkey = ? AND token_mint = ?`,
		pubkey, mint,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read balance")
	}
	return balance, nil
}

// GetAllBalances returns every mint balance held by pubkey.
func (l *Ledger) GetAllBalances(pubkey string) (map[string]int64, error) {
	rows, err := l.db.Query(
		`SELECT token_mint, balance FROM agents WHERE pubkey = ?`,
		pubkey,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read balances")
	}
	defer rows.Close()

	balances := make(map[string]int64)
	for rows.Next() {
		var mint string
		var balance int64
		if err := rows.Scan(&mint, &balance); err != nil {
			return nil, errors.Wrap(err, "failed to scan balance row")
		}
		balances[mint] = balance
	}
	return balances, rows.Err()
}

// UpdateBalance applies delta to (pubkey, mint) and appends a transaction
// record, all inside one SQL transaction. The balance row is created lazily.
// delta is positive for credits, negative for debits.
func (l *Ledger) UpdateBalance(pubkey, mint string, delta int64, txType, usageJSON string) error {
	tx, err := l.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin ledger transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO agents (pubkey, token_mint, balance) VALUES (?, ?, 0)`,
		pubkey, mint,
	); err != nil {
		return errors.Wrap(err, "failed to ensure balance row")
	}
	if _, err := tx.Exec(
		`UPDATE agents SET balance = balance + ?, updated_at = CURRENT_TIMESTAMP
		 WHERE pubkey = ? AND token_mint = ?`,
		delta, pubkey, mint,
	); err != nil {
		return errors.Wrap(err, "failed to update balance")
	}
	if err := appendTransaction(tx, pubkey, mint, txType, delta, usageJSON); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit balance update")
}

// DebitIfSufficient atomically decrements (pubkey, mint) by amount only when
// the balance covers it, appending the transaction record in the same SQL
// transaction. Returns false (and no side effects) when the debit would
// overdraw. amount must be positive.
func (l *Ledger) DebitIfSufficient(pubkey, mint string, amount int64, txType, usageJSON string) (bool, error) {
	tx, err := l.db.Begin()
	if err != nil {
		return false, errors.Wrap(err, "failed to begin ledger transaction")
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE agents SET balance = balance - ?, updated_at = CURRENT_TIMESTAMP
		 WHERE pubkey = ? AND token_mint = ? AND balance >= ?`,
		amount, pubkey, mint, amount,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to apply conditional debit")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	if affected == 0 {
		// Would overdraw (or no balance row at all).
		return false, nil
	}
	if err := appendTransaction(tx, pubkey, mint, txType, -amount, usageJSON); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "failed to commit debit")
	}
	return true, nil
}

func appendTransaction(tx *sql.Tx, pubkey, mint, txType string, amount int64, usageJSON string) error {
	var usage interface{}
	if usageJSON != "" {
		usage = usageJSON
	}
	_, err := tx.Exec(
		`INSERT INTO transactions (agent_pubkey, token_mint, type, amount, usage_json)
		 VALUES (?, ?, ?, ?, ?)`,
		pubkey, mint, txType, amount, usage,
	)
	return errors.Wrap(err, "failed to append transaction")
}

// SeedBalance credits (pubkey, mint) with a MANUAL_SEED transaction. Used by
// local development tooling and tests; never reachable from the HTTP surface.
func (l *Ledger) SeedBalance(pubkey, mint string, amount int64) error {
	return l.UpdateBalance(pubkey, mint, amount, TxManualSeed, "")
}

// TransactionHistory returns the transactions of pubkey newest first. An
// empty mint returns all mints.
func (l *Ledger) TransactionHistory(pubkey, mint string) ([]Transaction, error) {
	query := `SELECT id, agent_pubkey, token_mint, type, amount, usage_json, timestamp
		FROM transactions WHERE agent_pubkey = ?`
	args := []interface{}{pubkey}
	if mint != "" {
		query += ` AND token_mint = ?`
		args = append(args, mint)
	}
	query += ` ORDER BY timestamp DESC, id DESC`

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read transaction history")
	}
	defer rows.Close()

	var history []Transaction
	for rows.Next() {
		var t Transaction
		var usage sql.NullString
		if err := rows.Scan(&t.ID, &t.AgentPubkey, &t.TokenMint, &t.Type, &t.Amount, &usage, &t.Timestamp); err != nil {
			return nil, errors.Wrap(err, "failed to scan transaction row")
		}
		t.UsageJSON = usage.String
		history = append(history, t)
	}
	return history, rows.Err()
}

// GetExchangeRate returns the USD rate of one whole unit of mint, 0 if the
// mint is unknown.
func (l *Ledger) GetExchangeRate(mint string) (float64, error) {
	var rate float64
	err := l.db.QueryRow(
		`SELECT usd_rate FROM token_config WHERE token_mint = ?`, mint,
	).Scan(&rate)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read exchange rate")
	}
	return rate, nil
}

// SetExchangeRate updates the USD rate for mint.
func (l *Ledger) SetExchangeRate(mint string, rate float64) error {
	_, err := l.db.Exec(
		`UPDATE token_config SET usd_rate = ?, updated_at = CURRENT_TIMESTAMP WHERE token_mint = ?`,
		rate, mint,
	)
	return errors.Wrap(err, "failed to set exchange rate")
}

// CreateAPIToken mints a fresh (api_token, deposit_code) pair and stores it
// pending activation. The deposit code is the short uppercase identifier the
// agent embeds in its on-chain deposit account.
func (l *Ledger) CreateAPIToken() (apiToken, depositCode string, err error) {
	apiToken = uuid.NewString()
	code := uuid.New()
	depositCode = strings.ToUpper(hex.EncodeToString(code[:])[:8])

	_, err = l.db.Exec(
		`INSERT INTO api_tokens (api_token, deposit_code) VALUES (?, ?)`,
		apiToken, depositCode,
	)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to create api token")
	}
	return apiToken, depositCode, nil
}

// ActivateToken binds the pending token identified by depositCode to pubkey.
// Returns the api_token on success, "" when no pending row matches. The
// pending → active transition is one-way: an already activated code is
// treated as not found.
func (l *Ledger) ActivateToken(depositCode, pubkey string) (string, error) {
	tx, err := l.db.Begin()
	if err != nil {
		return "", errors.Wrap(err, "failed to begin activation")
	}
	defer tx.Rollback()

	var apiToken string
	err = tx.QueryRow(
		`SELECT api_token FROM api_tokens WHERE deposit_code = ? AND pubkey IS NULL`,
		depositCode,
	).Scan(&apiToken)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to look up deposit code")
	}

	if _, err := tx.Exec(
		`UPDATE api_tokens SET pubkey = ?, activated_at = CURRENT_TIMESTAMP WHERE deposit_code = ?`,
		pubkey, depositCode,
	); err != nil {
		return "", errors.Wrap(err, "failed to activate token")
	}
	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "failed to commit activation")
	}
	return apiToken, nil
}

// FindTokenByDepositCode returns the api_token for depositCode while it is
// still pending (pubkey IS NULL), "" otherwise.
func (l *Ledger) FindTokenByDepositCode(depositCode string) (string, error) {
	var apiToken string
	err := l.db.QueryRow(
		`SELECT api_token FROM api_tokens WHERE deposit_code = ? AND pubkey IS NULL`,
		depositCode,
	).Scan(&apiToken)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to look up deposit code")
	}
	return apiToken, nil
}

// PubkeyForToken resolves apiToken to its bound pubkey, "" when the token is
// unknown or not yet activated.
func (l *Ledger) PubkeyForToken(apiToken string) (string, error) {
	var pubkey sql.NullString
	err := l.db.QueryRow(
		`SELECT pubkey FROM api_tokens WHERE api_token = ?`,
		apiToken,
	).Scan(&pubkey)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve api token")
	}
	return pubkey.String, nil
}

// GetStats aggregates operator statistics over the transaction log.
func (l *Ledger) GetStats() (Stats, error) {
	var s Stats
	queries := []struct {
		dst   *int64
		query string
	}{
		{&s.TotalDeposits, `SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE type = 'MIRROR_DEPOSIT' AND amount > 0`},
		{&s.TotalDebits, `SELECT COALESCE(SUM(ABS(amount)), 0) FROM transactions WHERE type = 'DEBIT'`},
		{&s.ActiveAgents, `SELECT COUNT(DISTINCT pubkey) FROM agents WHERE balance > 0`},
		{&s.RegisteredTokens, `SELECT COUNT(*) FROM api_tokens`},
	}
	for _, q := range queries {
		if err := l.db.QueryRow(q.query).Scan(q.dst); err != nil {
			return Stats{}, errors.Wrap(err, "failed to aggregate stats")
		}
	}
	s.NetRevenue = s.TotalDebits
	return s, nil
}
