package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"escrow/internal/platform/postgres"
	"escrow/internal/reimbursement/calculator"
	"escrow/internal/reimbursement/models"
	id "escrow/pkg/domain"
	"escrow/pkg/platform/sentinel"
	txcontext "escrow/pkg/platform/tx"
)

const requestColumns = `id, contract_id, category, employment, amount_cents, evidence, notes, status,
	submitted_by, approval_id, payment_id, decision_id, denial_reason, created_at, updated_at`

// PostgresStore persists reimbursement claims in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, r *models.Request) error {
	employment, err := marshalEmployment(r.Employment)
	if err != nil {
		return err
	}
	_, err = txcontext.Pick(ctx, s.db).ExecContext(ctx, `
		INSERT INTO reimbursements (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		uuid.UUID(r.ID),
		uuid.UUID(r.ContractID),
		string(r.Category),
		employment,
		int64(r.Amount),
		pq.Array(nonNil(r.Evidence)),
		r.Notes,
		string(r.Status),
		uuid.UUID(r.SubmittedBy),
		optionalUUID(r.ApprovalID),
		optionalUUID(r.PaymentID),
		r.DecisionID,
		r.DenialReason,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create reimbursement: %w", err)
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, reimbursementID id.ReimbursementID) (*models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM reimbursements WHERE id = $1`
	r, err := scanRequest(txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(reimbursementID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find reimbursement: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListByContract(ctx context.Context, contractID id.ContractID) ([]*models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM reimbursements WHERE contract_id = $1 ORDER BY created_at, id`
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, uuid.UUID(contractID))
	if err != nil {
		return nil, fmt.Errorf("list reimbursements: %w", err)
	}
	defer rows.Close()
	var out []*models.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("list reimbursements: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list reimbursements: %w", err)
	}
	return out, nil
}

// Execute locks the claim row, runs validate and mutate, and writes the
// mutable columns back in one transaction.
func (s *PostgresStore) Execute(ctx context.Context, reimbursementID id.ReimbursementID,
	validate func(*models.Request) error, mutate func(*models.Request),
) (*models.Request, error) {
	var out *models.Request
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := txcontext.Pick(ctx, s.db)
		query := `SELECT ` + requestColumns + ` FROM reimbursements WHERE id = $1 FOR UPDATE`
		r, err := scanRequest(exec.QueryRowContext(ctx, query, uuid.UUID(reimbursementID)))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sentinel.ErrNotFound
			}
			return fmt.Errorf("lock reimbursement: %w", err)
		}
		if err := validate(r); err != nil {
			return err
		}
		mutate(r)
		_, err = exec.ExecContext(ctx, `
			UPDATE reimbursements SET
				evidence = $2, notes = $3, status = $4, approval_id = $5, payment_id = $6,
				decision_id = $7, denial_reason = $8, updated_at = $9
			WHERE id = $1
		`,
			uuid.UUID(r.ID),
			pq.Array(nonNil(r.Evidence)),
			r.Notes,
			string(r.Status),
			optionalUUID(r.ApprovalID),
			optionalUUID(r.PaymentID),
			r.DecisionID,
			r.DenialReason,
			r.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update reimbursement: %w", err)
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.Request, error) {
	var (
		r                     models.Request
		requestID, contractID uuid.UUID
		submittedBy           uuid.UUID
		category, status      string
		employment            []byte
		amount                int64
		evidence              []string
		approvalID, paymentID uuid.NullUUID
	)
	if err := row.Scan(
		&requestID,
		&contractID,
		&category,
		&employment,
		&amount,
		pq.Array(&evidence),
		&r.Notes,
		&status,
		&submittedBy,
		&approvalID,
		&paymentID,
		&r.DecisionID,
		&r.DenialReason,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.ID = id.ReimbursementID(requestID)
	r.ContractID = id.ContractID(contractID)
	r.Category = id.Category(category)
	r.Amount = id.Money(amount)
	r.Evidence = evidence
	r.Status = models.Status(status)
	r.SubmittedBy = id.PartyID(submittedBy)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if len(employment) > 0 {
		var in calculator.Input
		if err := json.Unmarshal(employment, &in); err != nil {
			return nil, fmt.Errorf("decode employment: %w", err)
		}
		r.Employment = &in
	}
	if approvalID.Valid {
		a := id.ApprovalID(approvalID.UUID)
		r.ApprovalID = &a
	}
	if paymentID.Valid {
		p := id.PaymentID(paymentID.UUID)
		r.PaymentID = &p
	}
	return &r, nil
}

// marshalEmployment returns an untyped nil for expense claims so the column is
// written NULL.
func marshalEmployment(in *calculator.Input) (any, error) {
	if in == nil {
		return nil, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal employment: %w", err)
	}
	return string(raw), nil
}

func nonNil(e []string) []string {
	if e == nil {
		return []string{}
	}
	return e
}

func optionalUUID[T ~[16]byte](v *T) uuid.NullUUID {
	if v == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(*v), Valid: true}
}
