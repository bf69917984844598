package record

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(connectCtx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

const recordColumns = `
	id, layer_name, external_job_id,
	source_bucket, source_prefix, dest_bucket, dest_prefix,
	tile_count, artifact_url, artifact_size_bytes,
	status, initiated_by, started_at, completed_at,
	error_message, metadata`

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	meta, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO layer_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err = s.pool.Exec(ctx, query,
		rec.ID, rec.LayerName, nullable(rec.ExternalJobID),
		nullable(rec.SourceBucket), nullable(rec.SourcePrefix),
		nullable(rec.DestBucket), nullable(rec.DestPrefix),
		nullableInt(rec.TileCount), nullable(rec.ArtifactURL),
		nullableInt(rec.ArtifactSizeBytes),
		string(rec.Status), nullable(rec.InitiatedBy),
		rec.StartedAt, rec.CompletedAt,
		nullable(rec.ErrorMessage), meta,
	)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, rec *Record) error {
	meta, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE layer_records SET
			layer_name = $2, external_job_id = $3,
			source_bucket = $4, source_prefix = $5,
			dest_bucket = $6, dest_prefix = $7,
			tile_count = $8, artifact_url = $9, artifact_size_bytes = $10,
			status = $11, initiated_by = $12,
			started_at = $13, completed_at = $14,
			error_message = $15, metadata = $16
		WHERE id = $1
	`

	tag, err := s.pool.Exec(ctx, query,
		rec.ID, rec.LayerName, nullable(rec.ExternalJobID),
		nullable(rec.SourceBucket), nullable(rec.SourcePrefix),
		nullable(rec.DestBucket), nullable(rec.DestPrefix),
		nullableInt(rec.TileCount), nullable(rec.ArtifactURL),
		nullableInt(rec.ArtifactSizeBytes),
		string(rec.Status), nullable(rec.InitiatedBy),
		rec.StartedAt, rec.CompletedAt,
		nullable(rec.ErrorMessage), meta,
	)
	if err != nil {
		return fmt.Errorf("update record %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM layer_records WHERE id = $1`

	rec, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, nil
}

func (s *PostgresStore) WithStatus(ctx context.Context, statuses ...Status) ([]*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM layer_records
		WHERE status = ANY($1)
		ORDER BY started_at
	`

	rows, err := s.pool.Query(ctx, query, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("query records by status: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) LatestPerLayer(ctx context.Context, statuses ...Status) (map[string]*Record, error) {
	query := `
		SELECT DISTINCT ON (layer_name) ` + recordColumns + `
		FROM layer_records
		WHERE ($1::text[] IS NULL OR status = ANY($1))
		ORDER BY layer_name, started_at DESC
	`

	var filter []string
	if len(statuses) > 0 {
		filter = statusStrings(statuses)
	}

	rows, err := s.pool.Query(ctx, query, filter)
	if err != nil {
		return nil, fmt.Errorf("query latest per layer: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Record)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out[rec.LayerName] = rec
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestForLayer(ctx context.Context, layer string) (*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM layer_records
		WHERE layer_name = $1
		ORDER BY started_at DESC
		LIMIT 1
	`

	rec, err := scanRecord(s.pool.QueryRow(ctx, query, layer))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest record for %s: %w", layer, err)
	}
	return rec, nil
}

func (s *PostgresStore) DeleteForLayer(ctx context.Context, layer string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM layer_records WHERE layer_name = $1`, layer)
	if err != nil {
		return 0, fmt.Errorf("delete records for %s: %w", layer, err)
	}
	return int(tag.RowsAffected()), nil
}

// Claim is a compare-and-swap on status: the update only applies when the
// record is still in the expected state, so two dispatchers racing for the
// same record cannot both start a merge.
func (s *PostgresStore) Claim(ctx context.Context, id string, from, to Status) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE layer_records SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return false, fmt.Errorf("claim record %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec      Record
		jobID    *string
		srcB     *string
		srcP     *string
		dstB     *string
		dstP     *string
		tiles    *int64
		artURL   *string
		artSize  *int64
		status   string
		actor    *string
		errMsg   *string
		metaJSON []byte
	)

	err := row.Scan(
		&rec.ID, &rec.LayerName, &jobID,
		&srcB, &srcP, &dstB, &dstP,
		&tiles, &artURL, &artSize,
		&status, &actor, &rec.StartedAt, &rec.CompletedAt,
		&errMsg, &metaJSON,
	)
	if err != nil {
		return nil, err
	}

	rec.ExternalJobID = deref(jobID)
	rec.SourceBucket = deref(srcB)
	rec.SourcePrefix = deref(srcP)
	rec.DestBucket = deref(dstB)
	rec.DestPrefix = deref(dstP)
	rec.ArtifactURL = deref(artURL)
	rec.InitiatedBy = deref(actor)
	rec.ErrorMessage = deref(errMsg)
	rec.Status = Status(status)
	if tiles != nil {
		rec.TileCount = *tiles
	}
	if artSize != nil {
		rec.ArtifactSizeBytes = *artSize
	}

	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &rec, nil
}

func marshalMetadata(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableInt(n int64) *int64 {
	if n == 0 {
		return nil
	}
	return &n
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
