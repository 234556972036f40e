package billing

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// PostgresConfig holds connection settings for the Postgres-backed store.
type PostgresConfig struct {
	ConnectionString string        `env:"BILLING_DATABASE_URL,required"`
	MaxOpenConns     int32         `env:"BILLING_DB_MAX_OPEN_CONNS" envDefault:"10"`
	MinIdleConns     int32         `env:"BILLING_DB_MIN_IDLE_CONNS" envDefault:"2"`
	RetryAttempts    int           `env:"BILLING_DB_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval    time.Duration `env:"BILLING_DB_RETRY_INTERVAL" envDefault:"5s"`
}

// PostgresStore is the production Store. UpdateSubscription takes a
// SELECT ... FOR UPDATE row lock, so concurrent writers on the same
// subscription serialize exactly like MemoryStore's per-row mutex.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// ConnectPostgres opens a pgx pool with startup retry and returns a store.
// Linear backoff between attempts avoids hammering a database that is still
// coming up when several services restart at once.
func ConnectPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	connConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	connConfig.MaxConns = cfg.MaxOpenConns
	connConfig.MinConns = cfg.MinIdleConns

	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var pool *pgxpool.Pool
	for i := range attempts {
		pool, err = pgxpool.NewWithConfig(ctx, connConfig)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return &PostgresStore{pool: pool}, nil
			}
			pool.Close()
		}
		time.Sleep(time.Duration(i+1) * cfg.RetryInterval)
	}
	return nil, fmt.Errorf("open postgres connection: %w", err)
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema migrations with goose.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(embeddedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO billing_users (id, email, name, payment_customer_id, active_subscription_id, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.Email, user.Name, user.PaymentCustomerID,
		user.ActiveSubscriptionID, user.IsActive, user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, name, payment_customer_id, active_subscription_id, is_active, created_at
		FROM billing_users WHERE id = $1`, id)

	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return user, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, name, payment_customer_id, active_subscription_id, is_active, created_at
		FROM billing_users WHERE email = $1`, email)

	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return user, err
}

func (s *PostgresStore) SaveUser(ctx context.Context, user *User) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE billing_users
		SET email = $2, name = $3, payment_customer_id = $4, active_subscription_id = $5, is_active = $6
		WHERE id = $1`,
		user.ID, user.Email, user.Name, user.PaymentCustomerID,
		user.ActiveSubscriptionID, user.IsActive,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO billing_subscriptions (
			id, user_id, plan_id, status, external_id,
			trial_start, trial_end, current_period_start, current_period_end,
			cancel_at_period_end, last_reminder, cancelled_at, created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		sub.ID, sub.UserID, sub.PlanID, string(sub.Status), sub.ExternalID,
		sub.TrialStart, sub.TrialEnd, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, string(sub.LastReminder), sub.CancelledAt,
		sub.CreatedAt, sub.UpdatedAt, sub.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSubscriptionExists
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

const subscriptionColumns = `
	id, user_id, plan_id, status, COALESCE(external_id, ''),
	trial_start, trial_end, current_period_start, current_period_end,
	cancel_at_period_end, last_reminder, cancelled_at, created_at, updated_at, version`

func (s *PostgresStore) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM billing_subscriptions WHERE id = $1`, id)

	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (s *PostgresStore) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM billing_subscriptions WHERE external_id = $1`, externalID)

	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, id uuid.UUID, fn func(*Subscription) error) (*Subscription, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM billing_subscriptions WHERE id = $1 FOR UPDATE`, id)

	current, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}

	working := current.clone()
	if err := fn(working); err != nil {
		if errors.Is(err, ErrNoChange) {
			return current, nil
		}
		return nil, err
	}

	// external_id is immutable once set.
	if current.ExternalID != "" && working.ExternalID != current.ExternalID {
		working.ExternalID = current.ExternalID
	}
	working.Version = current.Version + 1

	_, err = tx.Exec(ctx, `
		UPDATE billing_subscriptions SET
			plan_id = $2, status = $3, external_id = NULLIF($4, ''),
			trial_start = $5, trial_end = $6,
			current_period_start = $7, current_period_end = $8,
			cancel_at_period_end = $9, last_reminder = $10, cancelled_at = $11,
			updated_at = $12, version = $13
		WHERE id = $1`,
		working.ID, working.PlanID, string(working.Status), working.ExternalID,
		working.TrialStart, working.TrialEnd,
		working.CurrentPeriodStart, working.CurrentPeriodEnd,
		working.CancelAtPeriodEnd, string(working.LastReminder), working.CancelledAt,
		working.UpdatedAt, working.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return working, nil
}

func (s *PostgresStore) ListTrialsEndingBy(ctx context.Context, cutoff time.Time) ([]*Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM billing_subscriptions
		 WHERE status = $1 AND trial_end IS NOT NULL AND trial_end <= $2`,
		string(StatusTrialing), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list ending trials: %w", err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var activeSub uuid.NullUUID
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PaymentCustomerID, &activeSub, &u.IsActive, &u.CreatedAt); err != nil {
		return nil, err
	}
	if activeSub.Valid {
		u.ActiveSubscriptionID = &activeSub.UUID
	}
	return &u, nil
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var sub Subscription
	var status, reminder string
	if err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &status, &sub.ExternalID,
		&sub.TrialStart, &sub.TrialEnd, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd, &reminder, &sub.CancelledAt,
		&sub.CreatedAt, &sub.UpdatedAt, &sub.Version,
	); err != nil {
		return nil, err
	}
	sub.Status = Status(status)
	sub.LastReminder = Reminder(reminder)
	return &sub, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
