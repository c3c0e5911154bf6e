/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the transfer workflow needs. Business logic depends on this interface
 * only, so tests can substitute in-memory stubs for PostgreSQL.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"

	"github.com/ankitkr9911/Cipherstorm/internal/domain"
	"github.com/google/uuid"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// User and profile methods
	// Resolve internal UUID from Clerk user id (e.g., "user_abc123").
	FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (string, error)
	FindProfileByUserID(ctx context.Context, userID uuid.UUID) (*domain.Profile, error)

	// Transaction methods
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	FindLastLocation(ctx context.Context, userID uuid.UUID) (*domain.Location, error)
	CountTransactionsByUserID(ctx context.Context, userID uuid.UUID) (int, error)

	// Transaction history methods
	FindTransactionsByUserID(ctx context.Context, userID uuid.UUID, limit int, offset int) ([]domain.Transaction, error)
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	DeleteTransaction(ctx context.Context, transactionID uuid.UUID, userID uuid.UUID) (bool, error)

	// Fraud feedback methods
	// ApplyFraudLabel records the event and sets the fraud flag once per event id.
	// It reports false when the event was already applied.
	ApplyFraudLabel(ctx context.Context, transactionID uuid.UUID, event domain.FraudLabelEvent) (bool, error)
}
