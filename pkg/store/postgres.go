package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const DefaultTable = "subscribed_topics"

// PGStore keeps the topic list in a PostgreSQL table.
type PGStore struct {
	pool  *pgxpool.Pool
	table string
}

// PGOptions configures a PGStore. Config takes precedence over ConnString.
type PGOptions struct {
	Config     *pgxpool.Config
	ConnString string
	Table      string
}

// NewPGStore creates a connection pool, pings the server and makes sure the
// topic table exists.
func NewPGStore(ctx context.Context, opts PGOptions) (*PGStore, error) {
	var pool *pgxpool.Pool
	var err error

	switch {
	case opts.Config != nil:
		pool, err = pgxpool.NewWithConfig(ctx, opts.Config)
	case opts.ConnString != "":
		pool, err = pgxpool.New(ctx, opts.ConnString)
	default:
		return nil, errors.New("either Config or ConnString must be provided")
	}
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping connection: %w", err)
	}

	s := NewPGStoreFromPool(pool, opts.Table)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPGStoreFromPool wraps an existing pool. The caller keeps ownership of
// schema creation.
func NewPGStoreFromPool(pool *pgxpool.Pool, table string) *PGStore {
	if table == "" {
		table = DefaultTable
	}
	return &PGStore{pool: pool, table: table}
}

func (s *PGStore) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// channel is the NOTIFY channel announcing changes of the table.
func (s *PGStore) channel() string {
	return s.table + "_changes"
}

func (s *PGStore) notification(op ChangeOp, topic string) string {
	b, _ := json.Marshal(Change{Op: op, Topic: topic})
	return string(b)
}

// EnsureSchema creates the topic table if it does not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		topic      text PRIMARY KEY,
		created_at timestamptz NOT NULL DEFAULT now()
	)`, s.ident())
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

func (s *PGStore) ListAll(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT topic FROM %s ORDER BY created_at, topic", s.ident()))
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	topics, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan topics: %w", err)
	}
	return topics, nil
}

func (s *PGStore) Add(ctx context.Context, topic string) error {
	topic, err := NormalizeTopic(topic)
	if err != nil {
		return err
	}
	// only a new row is announced
	query := fmt.Sprintf(`WITH ins AS (
		INSERT INTO %s (topic) VALUES ($1) ON CONFLICT (topic) DO NOTHING RETURNING topic
	) SELECT pg_notify($2, $3) FROM ins`, s.ident())
	if _, err := s.pool.Exec(ctx, query, topic, s.channel(), s.notification(ChangeAdded, topic)); err != nil {
		return fmt.Errorf("add topic %q: %w", topic, err)
	}
	return nil
}

func (s *PGStore) Remove(ctx context.Context, topic string) error {
	topic, err := NormalizeTopic(topic)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`WITH del AS (
		DELETE FROM %s WHERE topic = $1 RETURNING topic
	) SELECT pg_notify($2, $3) FROM del`, s.ident())
	tag, err := s.pool.Exec(ctx, query, topic, s.channel(), s.notification(ChangeRemoved, topic))
	if err != nil {
		return fmt.Errorf("remove topic %q: %w", topic, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("remove %q: %w", topic, ErrTopicNotFound)
	}
	return nil
}

// Watch listens on the change channel of the table on a dedicated pool
// connection. It returns nil once ctx is canceled.
func (s *PGStore) Watch(ctx context.Context, fn func(Change)) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel()}.Sanitize()); err != nil {
		return fmt.Errorf("listen on %s: %w", s.channel(), err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}

		var c Change
		if err := json.Unmarshal([]byte(n.Payload), &c); err != nil || c.Topic == "" {
			continue
		}
		fn(c)
	}
}

func (s *PGStore) Close() {
	s.pool.Close()
}
