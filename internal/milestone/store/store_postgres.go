package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"escrow/internal/milestone/catalog"
	"escrow/internal/milestone/models"
	"escrow/internal/platform/postgres"
	id "escrow/pkg/domain"
	"escrow/pkg/platform/sentinel"
	txcontext "escrow/pkg/platform/tx"
)

const instanceColumns = `id, seq, contract_id, contract_version, definition_code, name, category, category_rank,
	trigger_kind, occurrence, status, due_date, amount_cents, evidence, notes, completion_notes,
	denial_reason, completed_at, payment_id, decision_id, open_approval_id, hold, created_at, updated_at`

// PostgresStore persists milestone instances in PostgreSQL. Transitions lock
// the instance row for the length of the surrounding transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, m *models.Instance) error {
	hold, err := marshalHold(m.Hold)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO milestone_instances (id, contract_id, contract_version, definition_code, name, category,
			category_rank, trigger_kind, occurrence, status, due_date, amount_cents, evidence, notes,
			completion_notes, denial_reason, completed_at, payment_id, decision_id, open_approval_id, hold,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		RETURNING seq
	`
	err = txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query,
		uuid.UUID(m.ID),
		uuid.UUID(m.ContractID),
		m.ContractVersion,
		m.DefinitionCode,
		m.Name,
		string(m.Category),
		m.CategoryRank,
		string(m.Trigger),
		m.Occurrence,
		string(m.Status),
		m.DueDate,
		int64(m.Amount),
		pq.Array(evidenceOrEmpty(m.Evidence)),
		m.Notes,
		m.CompletionNotes,
		m.DenialReason,
		m.CompletedAt,
		optionalUUID(m.PaymentID),
		m.DecisionID,
		optionalUUID(m.OpenApprovalID),
		hold,
		m.CreatedAt,
		m.UpdatedAt,
	).Scan(&m.Seq)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create milestone: %w", err)
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, milestoneID id.MilestoneID) (*models.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM milestone_instances WHERE id = $1`
	m, err := scanInstance(txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(milestoneID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find milestone: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) ListByContract(ctx context.Context, contractID id.ContractID) ([]*models.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM milestone_instances WHERE contract_id = $1 ORDER BY seq`
	return s.list(ctx, "list milestones", query, uuid.UUID(contractID))
}

func (s *PostgresStore) DuePending(ctx context.Context, asOf time.Time, limit int) ([]*models.Instance, error) {
	query := `
		SELECT ` + instanceColumns + ` FROM milestone_instances
		WHERE status = 'pending' AND trigger_kind = 'scheduled' AND due_date <= $1
		ORDER BY due_date, category_rank, seq
		LIMIT $2
	`
	if limit <= 0 {
		limit = 1000
	}
	return s.list(ctx, "list due milestones", query, asOf, limit)
}

func (s *PostgresStore) NextDue(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullTime
	err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, `
		SELECT MIN(due_date) FROM milestone_instances
		WHERE status = 'pending' AND trigger_kind = 'scheduled'
	`).Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next due milestone: %w", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return next.Time.UTC(), true, nil
}

// Execute locks the instance row, runs validate and mutate, and writes the
// mutable columns back in one transaction.
func (s *PostgresStore) Execute(ctx context.Context, milestoneID id.MilestoneID,
	validate func(*models.Instance) error, mutate func(*models.Instance),
) (*models.Instance, error) {
	var out *models.Instance
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := txcontext.Pick(ctx, s.db)
		query := `SELECT ` + instanceColumns + ` FROM milestone_instances WHERE id = $1 FOR UPDATE`
		m, err := scanInstance(exec.QueryRowContext(ctx, query, uuid.UUID(milestoneID)))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sentinel.ErrNotFound
			}
			return fmt.Errorf("lock milestone: %w", err)
		}
		if err := validate(m); err != nil {
			return err
		}
		mutate(m)
		hold, err := marshalHold(m.Hold)
		if err != nil {
			return err
		}
		_, err = exec.ExecContext(ctx, `
			UPDATE milestone_instances SET
				status = $2, evidence = $3, notes = $4, completion_notes = $5, denial_reason = $6,
				completed_at = $7, payment_id = $8, decision_id = $9, open_approval_id = $10, hold = $11,
				updated_at = $12
			WHERE id = $1
		`,
			uuid.UUID(m.ID),
			string(m.Status),
			pq.Array(evidenceOrEmpty(m.Evidence)),
			m.Notes,
			m.CompletionNotes,
			m.DenialReason,
			m.CompletedAt,
			optionalUUID(m.PaymentID),
			m.DecisionID,
			optionalUUID(m.OpenApprovalID),
			hold,
			m.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update milestone: %w", err)
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) list(ctx context.Context, op, query string, args ...any) ([]*models.Instance, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []*models.Instance
	for rows.Next() {
		m, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*models.Instance, error) {
	var (
		m                       models.Instance
		milestoneID, contractID uuid.UUID
		category, trigger       string
		status                  string
		dueDate, completedAt    sql.NullTime
		amount                  int64
		evidence                []string
		paymentID, approvalID   uuid.NullUUID
		hold                    []byte
	)
	if err := row.Scan(
		&milestoneID,
		&m.Seq,
		&contractID,
		&m.ContractVersion,
		&m.DefinitionCode,
		&m.Name,
		&category,
		&m.CategoryRank,
		&trigger,
		&m.Occurrence,
		&status,
		&dueDate,
		&amount,
		pq.Array(&evidence),
		&m.Notes,
		&m.CompletionNotes,
		&m.DenialReason,
		&completedAt,
		&paymentID,
		&m.DecisionID,
		&approvalID,
		&hold,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.ID = id.MilestoneID(milestoneID)
	m.ContractID = id.ContractID(contractID)
	m.Category = id.Category(category)
	m.Trigger = catalog.TriggerKind(trigger)
	m.Status = models.Status(status)
	m.Amount = id.Money(amount)
	m.Evidence = evidence
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	if dueDate.Valid {
		t := dueDate.Time.UTC()
		m.DueDate = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		m.CompletedAt = &t
	}
	if paymentID.Valid {
		p := id.PaymentID(paymentID.UUID)
		m.PaymentID = &p
	}
	if approvalID.Valid {
		a := id.ApprovalID(approvalID.UUID)
		m.OpenApprovalID = &a
	}
	if len(hold) > 0 {
		var h models.Hold
		if err := json.Unmarshal(hold, &h); err != nil {
			return nil, fmt.Errorf("decode hold: %w", err)
		}
		m.Hold = &h
	}
	return &m, nil
}

// marshalHold returns an untyped nil for no hold so the column is written NULL.
func marshalHold(h *models.Hold) (any, error) {
	if h == nil {
		return nil, nil
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal hold: %w", err)
	}
	return string(raw), nil
}

func evidenceOrEmpty(e []string) []string {
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
