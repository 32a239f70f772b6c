package channeldb

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4/pgxpool"
)

// PostgresDB is the alternate persistence backend for deployments that
// already run a Postgres cluster for their wallet, mirroring the teacher's
// kvdb support for a SQL-backed store alongside its default bolt database.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and ensures the schema this package needs
// exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresDB, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}

	db := &PostgresDB{pool: pool}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return db, nil
}

func (p *PostgresDB) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS peers (
			node_key   TEXT PRIMARY KEY,
			db_id      BIGSERIAL,
			payload    JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS channels (
			node_key     TEXT NOT NULL,
			outpoint_key TEXT NOT NULL,
			db_id        BIGSERIAL,
			payload      JSONB NOT NULL,
			PRIMARY KEY (node_key, outpoint_key)
		);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		);
	`)
	return err
}

func (p *PostgresDB) Close() error {
	p.pool.Close()
	return nil
}

// SavePeer upserts a peer row by node key, assigning a fresh db_id via the
// table's serial column on first insert.
func (p *PostgresDB) SavePeer(rec *PeerRecord) error {
	ctx := context.Background()
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	nodeKeyHex := hex.EncodeToString(rec.NodeKey[:])

	var dbID uint64
	err = p.pool.QueryRow(ctx, `
		INSERT INTO peers (node_key, payload)
		VALUES ($1, $2)
		ON CONFLICT (node_key) DO UPDATE SET payload = EXCLUDED.payload
		RETURNING db_id
	`, nodeKeyHex, payload).Scan(&dbID)
	if err != nil {
		return err
	}

	rec.DBID = dbID
	return nil
}

func (p *PostgresDB) DeletePeer(nodeKey [33]byte) error {
	ctx := context.Background()
	nodeKeyHex := hex.EncodeToString(nodeKey[:])
	_, err := p.pool.Exec(ctx, `DELETE FROM channels WHERE node_key = $1`, nodeKeyHex)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `DELETE FROM peers WHERE node_key = $1`, nodeKeyHex)
	return err
}

func (p *PostgresDB) FetchAllPeers() ([]*PeerRecord, error) {
	ctx := context.Background()
	rows, err := p.pool.Query(ctx, `SELECT payload FROM peers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PeerRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec PeerRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (p *PostgresDB) SaveChannel(outpointKey [36]byte, rec *ChannelRecord) error {
	ctx := context.Background()
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	nodeKeyHex := hex.EncodeToString(rec.NodeKey[:])
	opHex := hex.EncodeToString(outpointKey[:])

	var dbID uint64
	err = p.pool.QueryRow(ctx, `
		INSERT INTO channels (node_key, outpoint_key, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (node_key, outpoint_key)
		DO UPDATE SET payload = EXCLUDED.payload
		RETURNING db_id
	`, nodeKeyHex, opHex, payload).Scan(&dbID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return err
		}
		return err
	}

	rec.DBID = dbID
	return nil
}

func (p *PostgresDB) DeleteChannel(nodeKey [33]byte, outpointKey [36]byte) error {
	ctx := context.Background()
	_, err := p.pool.Exec(ctx, `
		DELETE FROM channels WHERE node_key = $1 AND outpoint_key = $2
	`, hex.EncodeToString(nodeKey[:]), hex.EncodeToString(outpointKey[:]))
	return err
}

func (p *PostgresDB) FetchChannelsForPeer(nodeKey [33]byte) ([]*ChannelRecord, error) {
	ctx := context.Background()
	rows, err := p.pool.Query(ctx, `
		SELECT payload FROM channels WHERE node_key = $1
	`, hex.EncodeToString(nodeKey[:]))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ChannelRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec ChannelRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// NextPayIndex atomically increments the persisted pay-index counter.
func (p *PostgresDB) NextPayIndex() (uint64, error) {
	ctx := context.Background()
	var next uint64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO meta (key, value) VALUES ('pay-index', 1)
		ON CONFLICT (key) DO UPDATE SET value = meta.value + 1
		RETURNING value
	`).Scan(&next)
	return next, err
}

var _ Backend = (*PostgresDB)(nil)
