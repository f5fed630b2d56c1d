package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventcore/libs/db"
)

// DefaultTable holds the snapshots of every aggregate type of a service.
const DefaultTable = "snapshots"

// PostgresRepository keeps one row per aggregate instance, keyed by
// (aggregate_type, identifier).
type PostgresRepository struct {
	table string
}

func NewPostgresRepository(table string) *PostgresRepository {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresRepository{table: db.Table(table)}
}

func (r *PostgresRepository) Find(ctx context.Context, tx pgx.Tx, aggregateType string, id uuid.UUID) (Record, bool, error) {
	var (
		rec     Record
		version int64
	)
	err := tx.QueryRow(ctx, `
		SELECT version, root_context_identifier, state, deleted,
		       created_by, created_at, last_modified_by, last_modified_at
		FROM `+r.table+`
		WHERE aggregate_type = $1 AND identifier = $2
	`, aggregateType, id).Scan(
		&version, &rec.RootContextIdentifier, &rec.State, &rec.Deleted,
		&rec.Created.By, &rec.Created.At, &rec.LastModified.By, &rec.LastModified.At,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec.Identifier.Type = aggregateType
	rec.Identifier.ID = id
	rec.Identifier.Version = uint64(version)
	return rec, true, nil
}

// Insert maps a unique violation to ErrStaleVersion: the snapshot did not
// exist when it was read, so a concurrent writer created it.
func (r *PostgresRepository) Insert(ctx context.Context, tx pgx.Tx, rec Record) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO `+r.table+` (aggregate_type, identifier, version, root_context_identifier, state, deleted,
		                         created_by, created_at, last_modified_by, last_modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.Identifier.Type, rec.Identifier.ID, int64(rec.Identifier.Version), rec.RootContextIdentifier, rec.State, rec.Deleted,
		rec.Created.By, rec.Created.At, rec.LastModified.By, rec.LastModified.At)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s created concurrently", ErrStaleVersion, rec.Identifier)
	}
	return err
}

func (r *PostgresRepository) Update(ctx context.Context, tx pgx.Tx, rec Record, expected uint64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE `+r.table+`
		SET version = $3, state = $4, deleted = $5, last_modified_by = $6, last_modified_at = $7
		WHERE aggregate_type = $1 AND identifier = $2 AND version = $8
	`, rec.Identifier.Type, rec.Identifier.ID, int64(rec.Identifier.Version), rec.State, rec.Deleted,
		rec.LastModified.By, rec.LastModified.At, int64(expected))
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s expected stored version %d", ErrStaleVersion, rec.Identifier, expected)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, tx pgx.Tx, aggregateType string, id uuid.UUID, expected uint64) error {
	tag, err := tx.Exec(ctx, `
		DELETE FROM `+r.table+`
		WHERE aggregate_type = $1 AND identifier = $2 AND version = $3
	`, aggregateType, id, int64(expected))
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s/%s expected stored version %d", ErrStaleVersion, aggregateType, id, expected)
	}
	return nil
}
