package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"escrow/internal/ledger/models"
	"escrow/internal/platform/postgres"
	id "escrow/pkg/domain"
	"escrow/pkg/platform/sentinel"
	txcontext "escrow/pkg/platform/tx"
)

const paymentColumns = `id, contract_id, payment_type, category, amount_cents, payer, payee, status,
	milestone_id, reimbursement_id, idempotency_key, ledger_seq, account_seq, created_at, paid_at`

const entryColumns = `seq, contract_id, account_seq, payment_id, entry_type, category, amount_cents, created_at`

// PostgresStore persists the ledger in PostgreSQL. ledger_entries is protected
// by a trigger that rejects UPDATE and DELETE; escrow_accounts.head_seq is the
// per-account lock row and the committed head.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append locks the account row, replays the idempotency lookup under the lock,
// runs check against the committed entries and writes the entry, the payment and
// the new head in one transaction.
func (s *PostgresStore) Append(ctx context.Context, p *models.Payment, check func(*models.Account) error) (*models.Payment, bool, error) {
	var (
		result  *models.Payment
		created bool
	)
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := txcontext.Pick(ctx, s.db)
		if _, err := exec.ExecContext(ctx,
			`INSERT INTO escrow_accounts (contract_id) VALUES ($1) ON CONFLICT (contract_id) DO NOTHING`,
			uuid.UUID(p.ContractID)); err != nil {
			return fmt.Errorf("open escrow account: %w", err)
		}
		var head int64
		if err := exec.QueryRowContext(ctx,
			`SELECT head_seq FROM escrow_accounts WHERE contract_id = $1 FOR UPDATE`,
			uuid.UUID(p.ContractID)).Scan(&head); err != nil {
			return fmt.Errorf("lock escrow account: %w", err)
		}

		existing, err := scanPayment(exec.QueryRowContext(ctx,
			`SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, p.IdempotencyKey))
		switch {
		case err == nil:
			result = existing
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("find payment by key: %w", err)
		}

		if check != nil {
			entries, err := s.accountEntries(ctx, exec, p.ContractID)
			if err != nil {
				return err
			}
			if err := check(&models.Account{ContractID: p.ContractID, Entries: entries}); err != nil {
				return err
			}
		}

		stored := *p
		stored.AccountSeq = head + 1
		if err := exec.QueryRowContext(ctx, `
			INSERT INTO ledger_entries (contract_id, account_seq, payment_id, entry_type, category, amount_cents, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING seq
		`,
			uuid.UUID(stored.ContractID),
			stored.AccountSeq,
			uuid.UUID(stored.ID),
			string(stored.Type),
			string(stored.Category),
			int64(stored.Amount),
			stored.CreatedAt,
		).Scan(&stored.Position); err != nil {
			return fmt.Errorf("append ledger entry: %w", err)
		}

		_, err = exec.ExecContext(ctx, `
			INSERT INTO payments (`+paymentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`,
			uuid.UUID(stored.ID),
			uuid.UUID(stored.ContractID),
			string(stored.Type),
			string(stored.Category),
			int64(stored.Amount),
			nullParty(stored.Payer),
			nullParty(stored.Payee),
			string(stored.Status),
			optionalUUID(stored.MilestoneID),
			optionalUUID(stored.ReimbursementID),
			stored.IdempotencyKey,
			stored.Position,
			stored.AccountSeq,
			stored.CreatedAt,
			stored.PaidAt,
		)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return sentinel.ErrConflict
			}
			return fmt.Errorf("insert payment: %w", err)
		}
		if _, err := exec.ExecContext(ctx,
			`UPDATE escrow_accounts SET head_seq = $2 WHERE contract_id = $1`,
			uuid.UUID(stored.ContractID), stored.AccountSeq); err != nil {
			return fmt.Errorf("advance account head: %w", err)
		}
		result = &stored
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

func (s *PostgresStore) accountEntries(ctx context.Context, exec txcontext.Execer, contractID id.ContractID) ([]models.Entry, error) {
	rows, err := exec.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE contract_id = $1 ORDER BY account_seq`,
		uuid.UUID(contractID))
	if err != nil {
		return nil, fmt.Errorf("load account entries: %w", err)
	}
	return collectEntries(rows, "load account entries")
}

func (s *PostgresStore) FindPayment(ctx context.Context, paymentID id.PaymentID) (*models.Payment, error) {
	p, err := scanPayment(txcontext.Pick(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, uuid.UUID(paymentID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find payment: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error) {
	p, err := scanPayment(txcontext.Pick(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find payment by key: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPayments(ctx context.Context, contractID id.ContractID) ([]*models.Payment, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE contract_id = $1 ORDER BY account_seq`,
		uuid.UUID(contractID))
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()
	var out []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("list payments: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Account(ctx context.Context, contractID id.ContractID) (*models.Account, error) {
	entries, err := s.accountEntries(ctx, txcontext.Pick(ctx, s.db), contractID)
	if err != nil {
		return nil, err
	}
	return &models.Account{ContractID: contractID, Entries: entries}, nil
}

func (s *PostgresStore) Head(ctx context.Context, contractID id.ContractID) (int64, error) {
	var head int64
	err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx,
		`SELECT head_seq FROM escrow_accounts WHERE contract_id = $1`, uuid.UUID(contractID)).Scan(&head)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read account head: %w", err)
	}
	return head, nil
}

func (s *PostgresStore) Accounts(ctx context.Context) ([]id.ContractID, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx,
		`SELECT contract_id FROM escrow_accounts ORDER BY contract_id::text`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	var out []id.ContractID
	for rows.Next() {
		var contractID uuid.UUID
		if err := rows.Scan(&contractID); err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		out = append(out, id.ContractID(contractID))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Entries(ctx context.Context, afterSeq int64, limit int) ([]models.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE seq > $1 ORDER BY seq`
	args := []any{afterSeq}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read ledger entries: %w", err)
	}
	return collectEntries(rows, "read ledger entries")
}

// Execute locks one payment row, validates and writes back its status fields.
func (s *PostgresStore) Execute(ctx context.Context, paymentID id.PaymentID,
	validate func(*models.Payment) error, mutate func(*models.Payment),
) (*models.Payment, error) {
	var result *models.Payment
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := txcontext.Pick(ctx, s.db)
		p, err := scanPayment(exec.QueryRowContext(ctx,
			`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, uuid.UUID(paymentID)))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sentinel.ErrNotFound
			}
			return fmt.Errorf("lock payment: %w", err)
		}
		if err := validate(p); err != nil {
			return err
		}
		mutate(p)
		if _, err := exec.ExecContext(ctx,
			`UPDATE payments SET status = $2, paid_at = $3 WHERE id = $1`,
			uuid.UUID(p.ID), string(p.Status), p.PaidAt); err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		p                       models.Payment
		paymentID, contractID   uuid.UUID
		paymentType, status     string
		category                string
		amount                  int64
		payer, payee            uuid.NullUUID
		milestone, reimbursable uuid.NullUUID
		paidAt                  sql.NullTime
	)
	if err := row.Scan(
		&paymentID,
		&contractID,
		&paymentType,
		&category,
		&amount,
		&payer,
		&payee,
		&status,
		&milestone,
		&reimbursable,
		&p.IdempotencyKey,
		&p.Position,
		&p.AccountSeq,
		&p.CreatedAt,
		&paidAt,
	); err != nil {
		return nil, err
	}
	p.ID = id.PaymentID(paymentID)
	p.ContractID = id.ContractID(contractID)
	p.Type = models.PaymentType(paymentType)
	p.Category = id.Category(category)
	p.Amount = id.Money(amount)
	p.Status = models.PaymentStatus(status)
	p.CreatedAt = p.CreatedAt.UTC()
	if payer.Valid {
		p.Payer = id.PartyID(payer.UUID)
	}
	if payee.Valid {
		p.Payee = id.PartyID(payee.UUID)
	}
	if milestone.Valid {
		m := id.MilestoneID(milestone.UUID)
		p.MilestoneID = &m
	}
	if reimbursable.Valid {
		r := id.ReimbursementID(reimbursable.UUID)
		p.ReimbursementID = &r
	}
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		p.PaidAt = &t
	}
	return &p, nil
}

func collectEntries(rows *sql.Rows, op string) ([]models.Entry, error) {
	defer rows.Close()
	var out []models.Entry
	for rows.Next() {
		var (
			e                     models.Entry
			contractID, paymentID uuid.UUID
			entryType, category   string
			amount                int64
			createdAt             time.Time
		)
		if err := rows.Scan(&e.Seq, &contractID, &e.AccountSeq, &paymentID, &entryType, &category, &amount, &createdAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		e.ContractID = id.ContractID(contractID)
		e.PaymentID = id.PaymentID(paymentID)
		e.Type = models.PaymentType(entryType)
		e.Category = id.Category(category)
		e.Amount = id.Money(amount)
		e.CreatedAt = createdAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func nullParty(p id.PartyID) uuid.NullUUID {
	if p.IsNil() {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(p), Valid: true}
}

func optionalUUID[T ~[16]byte](v *T) uuid.NullUUID {
	if v == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(*v), Valid: true}
}
