// Package paneldb is a selection backend that writes straight to the
// panel's MySQL database, for deployments where the engine runs next
// to the panel.
package paneldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrnimwx/speedprobe/client/candidates"
	"github.com/mrnimwx/speedprobe/client/selection"
)

type Config struct {
	DSN  string `name:"dsn" env:"DATABASE_DSN" help:"panel database DSN"`
	User string `name:"user" env:"DATABASE_USER" help:"overrides the DSN user"`
	Pass string `name:"pass" env:"DATABASE_PASSWORD" help:"overrides the DSN password"`
}

// Schema creates the tables the backend uses, for tests and fresh
// installs.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS speed_servers (
		id INT UNSIGNED NOT NULL PRIMARY KEY,
		domain VARCHAR(255) NOT NULL,
		port INT UNSIGNED NOT NULL DEFAULT 443,
		test_count INT UNSIGNED NOT NULL DEFAULT 0,
		last_selected_at DATETIME NULL
	)`,
	`CREATE TABLE IF NOT EXISTS smart_subscriptions (
		user_id INT UNSIGNED NOT NULL PRIMARY KEY,
		speed_server_id INT UNSIGNED NULL,
		updated_at DATETIME NOT NULL
	)`,
}

func connector(cfg Config) (*mysql.Config, error) {
	if len(cfg.DSN) == 0 {
		return nil, errors.New("--database.dsn flag or DATABASE_DSN environment variable required")
	}

	dbcfg, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if len(cfg.User) > 0 {
		dbcfg.User = cfg.User
	}
	if len(cfg.Pass) > 0 {
		dbcfg.Passwd = cfg.Pass
	}
	dbcfg.ParseTime = true
	dbcfg.Loc = time.UTC

	return dbcfg, nil
}

func OpenDB(ctx context.Context, cfg Config) (*sql.DB, error) {
	dbcfg, err := connector(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := mysql.NewConnector(dbcfg)
	if err != nil {
		return nil, err
	}

	db := sql.OpenDB(conn)
	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		logger.FromContext(ctx).ErrorContext(ctx, "could not connect to database", "err", err)
		db.Close()
		return nil, err
	}
	return db, nil
}

// Backend implements selection.Backend and candidates.Lister for one
// panel user.
type Backend struct {
	db     *sql.DB
	userID int
	now    func() time.Time
}

func NewBackend(db *sql.DB, userID int) *Backend {
	return &Backend{db: db, userID: userID, now: time.Now}
}

func (b *Backend) span(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracing.Start(ctx, "paneldb."+name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "mysql"),
			attribute.Int("user.id", b.userID),
		),
	)
}

// SelectSpeedServer sets the user's selection and, for a non-nil id,
// counts the selection on the server. It requires an existing
// subscription row.
func (b *Backend) SelectSpeedServer(ctx context.Context, id *int) (selection.Selection, error) {
	ctx, span := b.span(ctx, "select")
	defer span.End()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return selection.Selection{}, fmt.Errorf("%w: %w", selection.ErrPersistence, err)
	}
	defer tx.Rollback()

	var current sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT speed_server_id FROM smart_subscriptions WHERE user_id = ? FOR UPDATE",
		b.userID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return selection.Selection{}, selection.ErrEntitlementRequired
		}
		return selection.Selection{}, fmt.Errorf("%w: %w", selection.ErrPersistence, err)
	}

	now := b.now().UTC().Truncate(time.Second)

	var newID sql.NullInt64
	if id != nil {
		newID = sql.NullInt64{Int64: int64(*id), Valid: true}

		res, err := tx.ExecContext(ctx,
			"UPDATE speed_servers SET test_count = test_count + 1, last_selected_at = ? WHERE id = ?",
			now, *id,
		)
		if err != nil {
			return selection.Selection{}, fmt.Errorf("%w: %w", selection.ErrPersistence, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return selection.Selection{}, fmt.Errorf("%w: unknown speed server %d", selection.ErrPersistence, *id)
		}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE smart_subscriptions SET speed_server_id = ?, updated_at = ? WHERE user_id = ?",
		newID, now, b.userID,
	)
	if err != nil {
		return selection.Selection{}, fmt.Errorf("%w: %w", selection.ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return selection.Selection{}, fmt.Errorf("%w: %w", selection.ErrPersistence, err)
	}

	return selection.Selection{CandidateID: id, UpdatedAt: now}, nil
}

// CreateSmartSub adds the user's subscription row if it is missing.
func (b *Backend) CreateSmartSub(ctx context.Context) error {
	ctx, span := b.span(ctx, "create_smart_sub")
	defer span.End()

	_, err := b.db.ExecContext(ctx,
		`INSERT INTO smart_subscriptions (user_id, speed_server_id, updated_at)
		VALUES (?, NULL, ?) ON DUPLICATE KEY UPDATE user_id = user_id`,
		b.userID, b.now().UTC().Truncate(time.Second),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", selection.ErrPersistence, err)
	}
	return nil
}

func (b *Backend) ListSpeedServers(ctx context.Context) ([]candidates.Candidate, error) {
	ctx, span := b.span(ctx, "list")
	defer span.End()

	rows, err := b.db.QueryContext(ctx, "SELECT id, domain, port FROM speed_servers ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []candidates.Candidate
	for rows.Next() {
		var c candidates.Candidate
		if err := rows.Scan(&c.ID, &c.Domain, &c.Port); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// TestCount returns how often id was selected.
func (b *Backend) TestCount(ctx context.Context, id int) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, "SELECT test_count FROM speed_servers WHERE id = ?", id).Scan(&n)
	return n, err
}
