package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ffrace-go/race"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Database wraps the Postgres pool and implements the durable side of
// the race store (race.Persister) and the ledger (race.AccountStore).
// Three independent collections: races holds one JSONB snapshot per
// session, users holds one row per account, race_activity holds one
// timezone-qualified timestamp per session.
type Database struct {
	pool *pgxpool.Pool
}

// SetupDatabase connects, tunes the pool, and ensures the schema
// exists. An empty URL returns (nil, nil) so the bot can run without
// persistence.
func SetupDatabase(ctx context.Context, databaseURL string) (*Database, error) {
	if databaseURL == "" {
		return nil, nil
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Sized for bursty slash-command traffic
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 45 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.ConnConfig.RuntimeParams = map[string]string{
		"application_name": "ffrace-bot",
		"timezone":         "UTC",
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	conn.Release()

	db := &Database{pool: pool}
	if err := db.createTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the connection pool.
func (db *Database) Close() {
	if db != nil && db.pool != nil {
		db.pool.Close()
	}
}

func (db *Database) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS races (
			channel_id TEXT PRIMARY KEY,
			data JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			shards BIGINT NOT NULL DEFAULT 0,
			races_joined JSONB NOT NULL DEFAULT '{}'::jsonb,
			races_won JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ(0) NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS race_activity (
			channel_id TEXT PRIMARY KEY,
			last_active TIMESTAMPTZ(0) NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

// SaveSession upserts the session's full JSONB snapshot.
func (db *Database) SaveSession(ctx context.Context, s *race.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode race %s: %w", s.ChannelID, err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO races (channel_id, data) VALUES ($1, $2)
		 ON CONFLICT (channel_id) DO UPDATE SET data = EXCLUDED.data`,
		s.ChannelID, data)
	if err != nil {
		return fmt.Errorf("failed to save race %s: %w", s.ChannelID, err)
	}
	return nil
}

// DeleteSession drops the session's snapshot row.
func (db *Database) DeleteSession(ctx context.Context, channelID string) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM races WHERE channel_id = $1`, channelID); err != nil {
		return fmt.Errorf("failed to delete race %s: %w", channelID, err)
	}
	return nil
}

// SaveActivity upserts the session's last-activity stamp, stored to the
// second in UTC.
func (db *Database) SaveActivity(ctx context.Context, channelID string, lastActive time.Time) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO race_activity (channel_id, last_active) VALUES ($1, $2)
		 ON CONFLICT (channel_id) DO UPDATE SET last_active = EXCLUDED.last_active`,
		channelID, lastActive.UTC().Truncate(time.Second))
	if err != nil {
		return fmt.Errorf("failed to save activity for race %s: %w", channelID, err)
	}
	return nil
}

// DeleteActivity drops the session's activity row.
func (db *Database) DeleteActivity(ctx context.Context, channelID string) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM race_activity WHERE channel_id = $1`, channelID); err != nil {
		return fmt.Errorf("failed to delete activity for race %s: %w", channelID, err)
	}
	return nil
}

// LoadSessions reads every persisted session, folding in the separately
// stored activity stamp where one exists. Called once at startup.
func (db *Database) LoadSessions(ctx context.Context) ([]*race.Session, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT r.data, a.last_active
		 FROM races r
		 LEFT JOIN race_activity a ON a.channel_id = r.channel_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load races: %w", err)
	}
	defer rows.Close()

	var sessions []*race.Session
	for rows.Next() {
		var data []byte
		var lastActive *time.Time
		if err := rows.Scan(&data, &lastActive); err != nil {
			return nil, fmt.Errorf("failed to scan race row: %w", err)
		}
		s := &race.Session{}
		if err := json.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to decode race row: %w", err)
		}
		if s.Runners == nil {
			s.Runners = make(map[string]*race.RunnerResult)
		}
		if s.Wagers == nil {
			s.Wagers = make(map[string]int64)
		}
		if lastActive != nil {
			s.LastActivity = lastActive.UTC()
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// LoadAccounts reads every user account. Called once at startup.
func (db *Database) LoadAccounts(ctx context.Context) ([]*race.Account, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT user_id, shards, races_joined, races_won, created_at FROM users`)
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	defer rows.Close()

	var accounts []*race.Account
	for rows.Next() {
		a := &race.Account{}
		var joined, won []byte
		if err := rows.Scan(&a.UserID, &a.Shards, &joined, &won, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		if err := json.Unmarshal(joined, &a.RacesJoined); err != nil {
			a.RacesJoined = make(map[string]int)
		}
		if err := json.Unmarshal(won, &a.RacesWon); err != nil {
			a.RacesWon = make(map[string]int)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// SaveAccount upserts a user account row.
func (db *Database) SaveAccount(ctx context.Context, a *race.Account) error {
	joined, err := json.Marshal(a.RacesJoined)
	if err != nil {
		return fmt.Errorf("failed to encode account %s: %w", a.UserID, err)
	}
	won, err := json.Marshal(a.RacesWon)
	if err != nil {
		return fmt.Errorf("failed to encode account %s: %w", a.UserID, err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO users (user_id, shards, races_joined, races_won, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE
		 SET shards = EXCLUDED.shards,
		     races_joined = EXCLUDED.races_joined,
		     races_won = EXCLUDED.races_won`,
		a.UserID, a.Shards, joined, won, a.CreatedAt.UTC().Truncate(time.Second))
	if err != nil {
		return fmt.Errorf("failed to save account %s: %w", a.UserID, err)
	}
	return nil
}
