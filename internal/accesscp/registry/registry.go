package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	internalerrors "github.com/saferiskx/saferiskx-server/internal/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Registry stores accounts and subscriptions in SQLite.
type Registry struct {
	db *sql.DB
}

// Open opens (or creates) the registry database in dir.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "access.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &Registry{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		email               TEXT NOT NULL UNIQUE,
		password_hash       TEXT NOT NULL DEFAULT '',
		verified            INTEGER NOT NULL DEFAULT 0,
		community_id        TEXT UNIQUE,
		community_username  TEXT,
		billing_customer_id TEXT UNIQUE,
		activation_token    TEXT,
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS subscriptions (
		id                      INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id              INTEGER NOT NULL REFERENCES accounts(id),
		status                  TEXT NOT NULL DEFAULT 'inactive',
		billing_customer_id     TEXT NOT NULL DEFAULT '',
		billing_subscription_id TEXT NOT NULL UNIQUE,
		next_payment_at         INTEGER,
		checkout_session_id     TEXT UNIQUE,
		created_at              INTEGER NOT NULL,
		updated_at              INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_account ON subscriptions(account_id, status);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_status_next ON subscriptions(status, next_payment_at);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init registry schema: %w", err)
	}
	// Databases created before registration existed lack the column.
	if err := r.ensureColumn("accounts", "activation_token", "TEXT"); err != nil {
		return err
	}
	if _, err := r.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_activation ON accounts(activation_token)`); err != nil {
		return fmt.Errorf("init registry schema: %w", err)
	}
	return nil
}

func (r *Registry) ensureColumn(table, column, decl string) error {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect %s.%s: %w", table, column, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := r.db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + decl); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const accountColumns = `id, email, password_hash, verified, community_id, community_username,
	billing_customer_id, activation_token, created_at, updated_at`

// CreateAccount inserts a new, unverified-by-default account and sets a.ID.
func (r *Registry) CreateAccount(ctx context.Context, a *Account) error {
	if a == nil {
		return fmt.Errorf("account is nil")
	}
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
	if a.Email == "" {
		return fmt.Errorf("create account: email is required: %w", internalerrors.ErrInvalidInput)
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (email, password_hash, verified, community_id, community_username,
			billing_customer_id, activation_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Email, a.PasswordHash, boolToInt(a.Verified), nullableString(a.CommunityID), nullableString(a.CommunityUsername),
		nullableString(a.BillingCustomerID), nullableString(a.ActivationToken), a.CreatedAt.Unix(), a.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create account %q: %w", a.Email, internalerrors.ErrConflict)
		}
		return fmt.Errorf("create account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	a.ID = id
	return nil
}

// GetAccount retrieves an account by ID. Returns nil, nil when absent.
func (r *Registry) GetAccount(ctx context.Context, id int64) (*Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetAccountByEmail retrieves an account by its (case-insensitive) email.
func (r *Registry) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email)))
	return scanAccount(row)
}

// GetAccountByCommunityID retrieves the account a community identity is linked to.
func (r *Registry) GetAccountByCommunityID(ctx context.Context, communityID string) (*Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE community_id = ?`, communityID)
	return scanAccount(row)
}

// GetAccountByActivationToken retrieves the account a registration token was
// issued to. The token is kept after verification so a repeated activation
// link still resolves.
func (r *Registry) GetAccountByActivationToken(ctx context.Context, token string) (*Account, error) {
	if token == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE activation_token = ?`, token)
	return scanAccount(row)
}

// MarkAccountVerified flips the verification flag. It never flips back.
func (r *Registry) MarkAccountVerified(ctx context.Context, id int64) error {
	return r.updateAccount(ctx, "mark account verified", id,
		`UPDATE accounts SET verified = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Unix(), id)
}

// SetPasswordHash replaces the stored password hash.
func (r *Registry) SetPasswordHash(ctx context.Context, id int64, hash string) error {
	return r.updateAccount(ctx, "set password", id,
		`UPDATE accounts SET password_hash = ?, updated_at = ? WHERE id = ?`,
		hash, time.Now().UTC().Unix(), id)
}

// SetBillingCustomerID records the billing customer the first time one is
// seen. Later calls leave the stored value untouched and report false.
func (r *Registry) SetBillingCustomerID(ctx context.Context, id int64, customerID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET billing_customer_id = ?, updated_at = ?
		WHERE id = ? AND billing_customer_id IS NULL`,
		customerID, time.Now().UTC().Unix(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("set billing customer %q: %w", customerID, internalerrors.ErrConflict)
		}
		return false, fmt.Errorf("set billing customer: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// LinkCommunityAccount stores the community identity for an account. A
// community id already linked to a different account yields ErrConflict.
func (r *Registry) LinkCommunityAccount(ctx context.Context, id int64, communityID, username string) error {
	err := r.updateAccount(ctx, "link community account", id,
		`UPDATE accounts SET community_id = ?, community_username = ?, updated_at = ? WHERE id = ?`,
		communityID, username, time.Now().UTC().Unix(), id)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("community account %s is linked elsewhere: %w", communityID, internalerrors.ErrConflict)
	}
	return err
}

// UnlinkCommunityAccount clears the community identity fields.
func (r *Registry) UnlinkCommunityAccount(ctx context.Context, id int64) error {
	return r.updateAccount(ctx, "unlink community account", id,
		`UPDATE accounts SET community_id = NULL, community_username = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Unix(), id)
}

func (r *Registry) updateAccount(ctx context.Context, op string, id int64, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%s: account %d: %w", op, id, internalerrors.ErrNotFound)
	}
	return nil
}

const subscriptionColumns = `id, account_id, status, billing_customer_id, billing_subscription_id,
	next_payment_at, checkout_session_id, created_at, updated_at`

// InsertSubscription creates a subscription row and sets s.ID. It reports
// false without error when a row with the same checkout session or billing
// subscription id already exists.
func (r *Registry) InsertSubscription(ctx context.Context, s *Subscription) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("subscription is nil")
	}
	if s.Status == "" {
		s.Status = SubscriptionInactive
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO subscriptions (account_id, status, billing_customer_id, billing_subscription_id,
			next_payment_at, checkout_session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.AccountID, string(s.Status), s.BillingCustomerID, s.BillingSubscriptionID,
		nullableTimeUnix(s.NextPaymentAt), nullableString(s.CheckoutSessionID), s.CreatedAt.Unix(), s.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	s.ID = id
	return true, nil
}

// GetSubscription retrieves a subscription by ID.
func (r *Registry) GetSubscription(ctx context.Context, id int64) (*Subscription, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	return scanSubscription(row)
}

// GetSubscriptionByBillingID retrieves a subscription by billing subscription id.
func (r *Registry) GetSubscriptionByBillingID(ctx context.Context, billingSubscriptionID string) (*Subscription, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE billing_subscription_id = ?`,
		billingSubscriptionID)
	return scanSubscription(row)
}

// GetSubscriptionBySessionID retrieves a subscription by originating checkout session.
func (r *Registry) GetSubscriptionBySessionID(ctx context.Context, sessionID string) (*Subscription, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE checkout_session_id = ?`,
		sessionID)
	return scanSubscription(row)
}

// GetActiveSubscription returns the account's active subscription, if any.
func (r *Registry) GetActiveSubscription(ctx context.Context, accountID int64) (*Subscription, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE account_id = ? AND status = ? ORDER BY id DESC LIMIT 1`,
		accountID, string(SubscriptionActive))
	return scanSubscription(row)
}

// GetLatestSubscription returns the most recently created subscription row.
func (r *Registry) GetLatestSubscription(ctx context.Context, accountID int64) (*Subscription, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE account_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, accountID)
	return scanSubscription(row)
}

// TransitionSubscription moves a subscription from one status to another as a
// compare-and-set on the current status. A nil next keeps the stored
// next-payment timestamp, and an earlier next never replaces a later one.
// It reports false when the row was not in status from.
func (r *Registry) TransitionSubscription(ctx context.Context, id int64, from, to SubscriptionStatus, next *time.Time) (bool, error) {
	nextUnix := nullableTimeUnix(next)
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			status = ?,
			next_payment_at = CASE
				WHEN ? IS NULL THEN next_payment_at
				ELSE MAX(COALESCE(next_payment_at, 0), ?)
			END,
			updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), nextUnix, nextUnix, time.Now().UTC().Unix(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition subscription %d: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// ListActiveDueBefore returns active subscriptions whose paid period ended
// before cutoff.
func (r *Registry) ListActiveDueBefore(ctx context.Context, cutoff time.Time) ([]*Subscription, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = ? AND next_payment_at IS NOT NULL AND next_payment_at < ?
		ORDER BY next_payment_at ASC`, string(SubscriptionActive), cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("list lapsed subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ListSubscriptions returns every subscription of an account, newest first.
func (r *Registry) ListSubscriptions(ctx context.Context, accountID int64) ([]*Subscription, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE account_id = ? ORDER BY created_at DESC, id DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// CountByStatus returns a map of subscription status to count.
func (r *Registry) CountByStatus(ctx context.Context) (map[SubscriptionStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[SubscriptionStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[SubscriptionStatus(status)] = count
	}
	return counts, rows.Err()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*Account, error) {
	var a Account
	var verified int
	var communityID, communityUsername, customerID, activationToken sql.NullString
	var createdAt, updatedAt int64

	err := s.Scan(&a.ID, &a.Email, &a.PasswordHash, &verified, &communityID, &communityUsername,
		&customerID, &activationToken, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}

	a.Verified = verified != 0
	a.CommunityID = stringPtr(communityID)
	a.CommunityUsername = stringPtr(communityUsername)
	a.BillingCustomerID = stringPtr(customerID)
	a.ActivationToken = stringPtr(activationToken)
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &a, nil
}

func scanSubscription(s scanner) (*Subscription, error) {
	var sub Subscription
	var status string
	var next sql.NullInt64
	var sessionID sql.NullString
	var createdAt, updatedAt int64

	err := s.Scan(&sub.ID, &sub.AccountID, &status, &sub.BillingCustomerID, &sub.BillingSubscriptionID,
		&next, &sessionID, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	sub.Status = SubscriptionStatus(status)
	if next.Valid {
		ts := time.Unix(next.Int64, 0).UTC()
		sub.NextPaymentAt = &ts
	}
	sub.CheckoutSessionID = stringPtr(sessionID)
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return true
		}
		return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(sqliteErr.Error(), "UNIQUE")
	}
	return false
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableString(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
