/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for users, profiles, transactions and fraud label events.
 *
 * @notes
 * - Amounts cross the driver boundary as text and are cast to NUMERIC in SQL, so
 *   decimal precision is never routed through float64.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Exact transaction amounts.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ankitkr9911/Cipherstorm/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrProfileNotFound     = errors.New("profile not found")
	ErrTransactionNotFound = errors.New("transaction not found")
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

const transactionColumns = `
	id, user_id, amount::text, transaction_type, payment_instrument, payer_vpa, beneficiary_vpa,
	initiation_mode, device_id, ip_address, country, city, latitude, longitude,
	day_of_week, hour, minute, is_night, is_fraud, created_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindUserIDByClerkUserID resolves the internal UUID from a Clerk user id.
func (r *PostgresRepository) FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, "SELECT id FROM users WHERE clerk_user_id = $1", clerkUserID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", err
	}
	return id, nil
}

// FindProfileByUserID returns the payer profile used for scoring and OTP delivery.
func (r *PostgresRepository) FindProfileByUserID(ctx context.Context, userID uuid.UUID) (*domain.Profile, error) {
	var p domain.Profile
	query := `SELECT user_id, btrim(upi_id), btrim(email), full_name, created_at FROM profiles WHERE user_id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&p.UserID, &p.PaymentHandle, &p.Email, &p.FullName, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreateTransaction inserts a new transaction record into the database.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (
			id,
			user_id,
			amount,
			transaction_type,
			payment_instrument,
			payer_vpa,
			beneficiary_vpa,
			initiation_mode,
			device_id,
			ip_address,
			country,
			city,
			latitude,
			longitude,
			day_of_week,
			hour,
			minute,
			is_night,
			is_fraud,
			created_at
		)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err := r.db.Exec(ctx, query,
		tx.ID,
		tx.UserID,
		tx.Amount.String(),
		tx.TransactionType,
		tx.PaymentInstrument,
		tx.PayerHandle,
		tx.BeneficiaryHandle,
		tx.InitiationMode,
		tx.DeviceID,
		tx.IPAddress,
		tx.Country,
		tx.City,
		tx.Latitude,
		tx.Longitude,
		tx.DayOfWeek,
		tx.Hour,
		tx.Minute,
		tx.IsNight,
		tx.IsFraud,
		tx.CreatedAt,
	)
	return err
}

// FindLastLocation returns the coordinates of the user's most recent transaction,
// or nil when that transaction has none (or there is no history).
func (r *PostgresRepository) FindLastLocation(ctx context.Context, userID uuid.UUID) (*domain.Location, error) {
	query := `
		SELECT latitude, longitude
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	var lat, lon *float64
	err := r.db.QueryRow(ctx, query, userID).Scan(&lat, &lon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lat == nil || lon == nil {
		return nil, nil
	}
	return &domain.Location{Latitude: *lat, Longitude: *lon}, nil
}

// CountTransactionsByUserID counts every persisted transaction of the user.
func (r *PostgresRepository) CountTransactionsByUserID(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE user_id = $1`, userID).Scan(&count)
	return count, err
}

// FindTransactionsByUserID retrieves a page of the user's transactions, newest first.
func (r *PostgresRepository) FindTransactionsByUserID(ctx context.Context, userID uuid.UUID, limit int, offset int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := make([]domain.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transactions, nil
}

func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// DeleteTransaction removes a transaction owned by userID. It reports whether a row was deleted.
func (r *PostgresRepository) DeleteTransaction(ctx context.Context, transactionID uuid.UUID, userID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM transactions WHERE id = $1 AND user_id = $2`, transactionID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ApplyFraudLabel stores the label event and updates the fraud flag in one
// database transaction. Replayed events are acknowledged without side effects.
func (r *PostgresRepository) ApplyFraudLabel(ctx context.Context, transactionID uuid.UUID, event domain.FraudLabelEvent) (bool, error) {
	dbTx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = dbTx.Rollback(ctx) }()

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	tag, err := dbTx.Exec(ctx, `
		INSERT INTO fraud_label_events (event_id, transaction_id, is_fraud, source, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, transactionID, event.IsFraud, event.Source, event.Reason, occurredAt)
	if err != nil {
		return false, fmt.Errorf("record label event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	tag, err = dbTx.Exec(ctx, `UPDATE transactions SET is_fraud = $1 WHERE id = $2`, event.IsFraud, transactionID)
	if err != nil {
		return false, fmt.Errorf("update fraud flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrTransactionNotFound
	}

	if err := dbTx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx     domain.Transaction
		amount string
	)
	err := row.Scan(
		&tx.ID,
		&tx.UserID,
		&amount,
		&tx.TransactionType,
		&tx.PaymentInstrument,
		&tx.PayerHandle,
		&tx.BeneficiaryHandle,
		&tx.InitiationMode,
		&tx.DeviceID,
		&tx.IPAddress,
		&tx.Country,
		&tx.City,
		&tx.Latitude,
		&tx.Longitude,
		&tx.DayOfWeek,
		&tx.Hour,
		&tx.Minute,
		&tx.IsNight,
		&tx.IsFraud,
		&tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return &tx, nil
}
