package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"escrow/internal/approval/models"
	"escrow/internal/platform/postgres"
	id "escrow/pkg/domain"
	"escrow/pkg/platform/sentinel"
	txcontext "escrow/pkg/platform/tx"
)

const requestColumns = `id, subject_kind, subject_id, contract_id, pipeline, stage, category, amount_cents,
	evidence, clause_ref, payment_id, verification, decision, history, created_at, updated_at, closed_at`

// PostgresStore persists approval requests. The partial unique index on open
// requests enforces one open request per subject.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, r *models.Request) error {
	verification, decision, history, err := marshalDocs(r)
	if err != nil {
		return err
	}
	_, err = txcontext.Pick(ctx, s.db).ExecContext(ctx, `
		INSERT INTO approval_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		uuid.UUID(r.ID),
		string(r.SubjectKind),
		r.SubjectID,
		uuid.UUID(r.ContractID),
		string(r.Pipeline),
		string(r.Stage),
		string(r.Category),
		int64(r.Amount),
		pq.Array(nonNil(r.Evidence)),
		r.ClauseRef,
		optionalPaymentID(r.PaymentID),
		verification,
		decision,
		history,
		r.CreatedAt,
		r.UpdatedAt,
		r.ClosedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create approval request: %w", err)
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, approvalID id.ApprovalID) (*models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1`
	return s.one(ctx, "find approval request", query, uuid.UUID(approvalID))
}

func (s *PostgresStore) FindOpenBySubject(ctx context.Context, subjectID uuid.UUID) (*models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE subject_id = $1 AND closed_at IS NULL`
	return s.one(ctx, "find open approval request", query, subjectID)
}

func (s *PostgresStore) ListByContract(ctx context.Context, contractID id.ContractID) ([]*models.Request, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE contract_id = $1 ORDER BY created_at, id`,
		uuid.UUID(contractID))
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	defer rows.Close()
	var out []*models.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("list approval requests: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	return out, nil
}

// Execute locks the request row, runs validate and mutate, and writes the
// mutable columns back in one transaction.
func (s *PostgresStore) Execute(ctx context.Context, approvalID id.ApprovalID,
	validate func(*models.Request) error, mutate func(*models.Request),
) (*models.Request, error) {
	var out *models.Request
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := txcontext.Pick(ctx, s.db)
		query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1 FOR UPDATE`
		r, err := scanRequest(exec.QueryRowContext(ctx, query, uuid.UUID(approvalID)))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sentinel.ErrNotFound
			}
			return fmt.Errorf("lock approval request: %w", err)
		}
		if err := validate(r); err != nil {
			return err
		}
		mutate(r)
		verification, decision, history, err := marshalDocs(r)
		if err != nil {
			return err
		}
		_, err = exec.ExecContext(ctx, `
			UPDATE approval_requests SET
				stage = $2, payment_id = $3, verification = $4, decision = $5, history = $6,
				updated_at = $7, closed_at = $8
			WHERE id = $1
		`,
			uuid.UUID(r.ID),
			string(r.Stage),
			optionalPaymentID(r.PaymentID),
			verification,
			decision,
			history,
			r.UpdatedAt,
			r.ClosedAt,
		)
		if err != nil {
			return fmt.Errorf("update approval request: %w", err)
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) one(ctx context.Context, op, query string, args ...any) (*models.Request, error) {
	r, err := scanRequest(txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.Request, error) {
	var (
		r                               models.Request
		approvalID, contractID          uuid.UUID
		kind, pipeline, stage, cat      string
		amount                          int64
		evidence                        []string
		paymentID                       uuid.NullUUID
		verification, decision, history []byte
		closedAt                        sql.NullTime
	)
	if err := row.Scan(
		&approvalID,
		&kind,
		&r.SubjectID,
		&contractID,
		&pipeline,
		&stage,
		&cat,
		&amount,
		pq.Array(&evidence),
		&r.ClauseRef,
		&paymentID,
		&verification,
		&decision,
		&history,
		&r.CreatedAt,
		&r.UpdatedAt,
		&closedAt,
	); err != nil {
		return nil, err
	}
	r.ID = id.ApprovalID(approvalID)
	r.ContractID = id.ContractID(contractID)
	r.SubjectKind = models.SubjectKind(kind)
	r.Pipeline = models.Pipeline(pipeline)
	r.Stage = models.Stage(stage)
	r.Category = id.Category(cat)
	r.Amount = id.Money(amount)
	r.Evidence = evidence
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if paymentID.Valid {
		p := id.PaymentID(paymentID.UUID)
		r.PaymentID = &p
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		r.ClosedAt = &t
	}
	if len(verification) > 0 {
		var v models.Verification
		if err := json.Unmarshal(verification, &v); err != nil {
			return nil, fmt.Errorf("decode verification: %w", err)
		}
		r.Verification = &v
	}
	if len(decision) > 0 {
		var d id.Decision
		if err := json.Unmarshal(decision, &d); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		r.Decision = &d
	}
	if err := json.Unmarshal(history, &r.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return &r, nil
}

// marshalDocs encodes the JSONB columns. Absent documents are written NULL.
func marshalDocs(r *models.Request) (verification, decision any, history string, err error) {
	if r.Verification != nil {
		raw, err := json.Marshal(r.Verification)
		if err != nil {
			return nil, nil, "", fmt.Errorf("marshal verification: %w", err)
		}
		verification = string(raw)
	}
	if r.Decision != nil {
		raw, err := json.Marshal(r.Decision)
		if err != nil {
			return nil, nil, "", fmt.Errorf("marshal decision: %w", err)
		}
		decision = string(raw)
	}
	h := r.History
	if h == nil {
		h = []models.Transition{}
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, nil, "", fmt.Errorf("marshal history: %w", err)
	}
	return verification, decision, string(raw), nil
}

func nonNil(e []string) []string {
	if e == nil {
		return []string{}
	}
	return e
}

func optionalPaymentID(p *id.PaymentID) uuid.NullUUID {
	if p == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(*p), Valid: true}
}
