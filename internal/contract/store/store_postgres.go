package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"escrow/internal/contract/models"
	"escrow/internal/platform/postgres"
	id "escrow/pkg/domain"
	"escrow/pkg/platform/sentinel"
	txcontext "escrow/pkg/platform/tx"
)

const contractColumns = `id, version, intended_party, fulfilling_party, start_date, terms, status,
	intended_confirmed_at, fulfilling_confirmed_at, override_reason, created_at, confirmed_at`

// PostgresStore persists contract versions and journeys in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed contract store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, c *models.Contract) error {
	terms, err := json.Marshal(c.Terms)
	if err != nil {
		return fmt.Errorf("marshal terms: %w", err)
	}
	query := `
		INSERT INTO contracts (` + contractColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(c.ID),
		c.Version,
		uuid.UUID(c.IntendedParty),
		uuid.UUID(c.FulfillingParty),
		c.StartDate,
		terms,
		string(c.Status),
		c.IntendedConfirmedAt,
		c.FulfillingConfirmedAt,
		c.OverrideReason,
		c.CreatedAt,
		c.ConfirmedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create contract: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestVersion(ctx context.Context, contractID id.ContractID) (int, error) {
	var latest int
	err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM contracts WHERE id = $1`, uuid.UUID(contractID),
	).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("latest contract version: %w", err)
	}
	return latest, nil
}

func (s *PostgresStore) FindVersion(ctx context.Context, contractID id.ContractID, version int) (*models.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE id = $1 AND version = $2`
	c, err := scanContract(txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(contractID), version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find contract version: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) FindConfirmed(ctx context.Context, contractID id.ContractID) (*models.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE id = $1 AND status = 'confirmed'`
	c, err := scanContract(txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(contractID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find confirmed contract: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, contractID id.ContractID) ([]*models.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE id = $1 ORDER BY version`
	return s.list(ctx, "list contract versions", query, uuid.UUID(contractID))
}

func (s *PostgresStore) ListConfirmed(ctx context.Context) ([]*models.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE status = 'confirmed' ORDER BY created_at`
	return s.list(ctx, "list confirmed contracts", query)
}

func (s *PostgresStore) list(ctx context.Context, op, query string, args ...any) ([]*models.Contract, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []*models.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// Execute locks every version of the contract with FOR UPDATE, validates the
// target version, and writes back the target and the previously confirmed version
// in the same transaction.
func (s *PostgresStore) Execute(ctx context.Context, contractID id.ContractID, version int,
	validate func(*models.Contract) error, mutate func(target, current *models.Contract),
) (*models.Contract, error) {
	var result *models.Contract
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := txcontext.Pick(ctx, s.db)
		rows, err := exec.QueryContext(ctx,
			`SELECT `+contractColumns+` FROM contracts WHERE id = $1 ORDER BY version FOR UPDATE`,
			uuid.UUID(contractID))
		if err != nil {
			return fmt.Errorf("lock contract: %w", err)
		}
		var target, current *models.Contract
		for rows.Next() {
			c, err := scanContract(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("lock contract: %w", err)
			}
			switch {
			case c.Version == version:
				target = c
			case c.Status == models.StatusConfirmed:
				current = c
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("lock contract: %w", err)
		}
		if target == nil {
			return sentinel.ErrNotFound
		}
		if err := validate(target); err != nil {
			return err
		}
		mutate(target, current)

		// The previous version is written first so the single-confirmed index
		// never sees two confirmed rows.
		if current != nil {
			if err := updateContract(ctx, exec, current); err != nil {
				return err
			}
		}
		if err := updateContract(ctx, exec, target); err != nil {
			return err
		}
		result = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func updateContract(ctx context.Context, exec txcontext.Execer, c *models.Contract) error {
	_, err := exec.ExecContext(ctx, `
		UPDATE contracts
		SET status = $3,
			intended_confirmed_at = $4,
			fulfilling_confirmed_at = $5,
			override_reason = $6,
			confirmed_at = $7
		WHERE id = $1 AND version = $2
	`,
		uuid.UUID(c.ID),
		c.Version,
		string(c.Status),
		c.IntendedConfirmedAt,
		c.FulfillingConfirmedAt,
		c.OverrideReason,
		c.ConfirmedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("update contract: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindJourney(ctx context.Context, contractID id.ContractID) (*models.Journey, error) {
	var (
		j         models.Journey
		contract  uuid.UUID
		status    string
		updatedAt time.Time
	)
	err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx,
		`SELECT contract_id, status, reason, updated_at FROM contract_journeys WHERE contract_id = $1`,
		uuid.UUID(contractID),
	).Scan(&contract, &status, &j.Reason, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find journey: %w", err)
	}
	j.ContractID = id.ContractID(contract)
	j.Status = models.JourneyStatus(status)
	j.UpdatedAt = updatedAt.UTC()
	return &j, nil
}

func (s *PostgresStore) SaveJourney(ctx context.Context, j *models.Journey) error {
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `
		INSERT INTO contract_journeys (contract_id, status, reason, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (contract_id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at
	`, uuid.UUID(j.ContractID), string(j.Status), j.Reason, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save journey: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContract(row rowScanner) (*models.Contract, error) {
	var (
		c                     models.Contract
		contractID            uuid.UUID
		intended, fulfilling  uuid.UUID
		terms                 []byte
		status                string
		intendedConfirmedAt   sql.NullTime
		fulfillingConfirmedAt sql.NullTime
		confirmedAt           sql.NullTime
	)
	if err := row.Scan(
		&contractID,
		&c.Version,
		&intended,
		&fulfilling,
		&c.StartDate,
		&terms,
		&status,
		&intendedConfirmedAt,
		&fulfillingConfirmedAt,
		&c.OverrideReason,
		&c.CreatedAt,
		&confirmedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(terms, &c.Terms); err != nil {
		return nil, fmt.Errorf("decode terms: %w", err)
	}
	c.ID = id.ContractID(contractID)
	c.IntendedParty = id.PartyID(intended)
	c.FulfillingParty = id.PartyID(fulfilling)
	c.Status = models.Status(status)
	c.StartDate = c.StartDate.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.IntendedConfirmedAt = nullTime(intendedConfirmedAt)
	c.FulfillingConfirmedAt = nullTime(fulfillingConfirmedAt)
	c.ConfirmedAt = nullTime(confirmedAt)
	return &c, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
