/**
 * @description
 * This file defines the core domain models for the fraud-gated transfer flow.
 * These structs represent the entities and value objects used throughout the
 * workflow, the step-up challenge lifecycle, database interactions and the API layer.
 *
 * @notes
 * - Amounts use shopspring/decimal so the value scored is exactly the value persisted.
 * - Optional columns (coordinates, fraud flag) are pointers so "absent" and "zero"
 *   remain distinguishable end to end.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sentinel values substituted when contextual signals cannot be resolved.
const (
	UnknownDevice         = "unknown_device"
	FallbackIPAddress     = "127.0.0.1"
	UnknownPlace          = "Unknown"
	DefaultInitiationMode = "Default"
)

// TransactionRequest is the DTO for an incoming transfer request.
type TransactionRequest struct {
	Amount            decimal.Decimal `json:"amount"`
	TransactionType   string          `json:"transaction_type"`
	PaymentInstrument string          `json:"payment_instrument"`
	RecipientHandle   string          `json:"recipient_handle"`
}

// EnrichedFeatures are the contextual attributes derived for a single request.
type EnrichedFeatures struct {
	DeviceID       string   `json:"device_id"`
	IPAddress      string   `json:"ip_address"`
	Country        string   `json:"country"`
	City           string   `json:"city"`
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	InitiationMode string   `json:"initiation_mode"`
	DayOfWeek      int      `json:"day_of_week"` // Monday = 0
	Hour           int      `json:"hour"`
	Minute         int      `json:"minute"`
	IsNight        bool     `json:"is_night"`
}

// Transaction is the persisted transfer record. It maps directly to the
// `transactions` table.
type Transaction struct {
	ID                uuid.UUID       `json:"transaction_id"`
	UserID            uuid.UUID       `json:"user_id"`
	Amount            decimal.Decimal `json:"amount"`
	TransactionType   string          `json:"transaction_type"`
	PaymentInstrument string          `json:"payment_instrument"`
	PayerHandle       string          `json:"payer_vpa"`
	BeneficiaryHandle string          `json:"beneficiary_vpa"`
	EnrichedFeatures
	IsFraud   *bool     `json:"is_fraud"` // nil while undetermined
	CreatedAt time.Time `json:"created_at"`
}

// Location is the last-known position of a user, taken from their latest transaction.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Profile is the subset of the user profile the workflow and scorer need.
type Profile struct {
	UserID        uuid.UUID `json:"user_id"`
	PaymentHandle string    `json:"upi_id"`
	Email         string    `json:"email"`
	FullName      string    `json:"full_name"`
	CreatedAt     time.Time `json:"created_at"`
}

// FraudVerdict is the scorer's answer for one candidate transaction.
type FraudVerdict struct {
	IsFraud bool           `json:"is_fraud"`
	Details map[string]any `json:"details,omitempty"`
}

// ScoreRequest is everything the fraud scorer receives for one candidate.
type ScoreRequest struct {
	Candidate    Transaction `json:"transaction"`
	Profile      Profile     `json:"profile"`
	HistoryCount int         `json:"txn_count"`
	LastLocation *Location   `json:"last_transaction_location"`
}

// PendingTransaction is a fully scored candidate held back until step-up
// verification succeeds. It is replayed verbatim on commit.
type PendingTransaction struct {
	Transaction  Transaction  `json:"transaction"`
	HistoryCount int          `json:"history_count"`
	LastLocation *Location    `json:"last_location,omitempty"`
	Verdict      FraudVerdict `json:"verdict"`
}

// OutcomeKind discriminates the result of a submission.
type OutcomeKind int

const (
	OutcomeCommitted OutcomeKind = iota
	OutcomeChallengeRequired
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCommitted:
		return "committed"
	case OutcomeChallengeRequired:
		return "challenge_required"
	default:
		return "unknown"
	}
}

// Outcome is returned by the workflow for every accepted submission.
type Outcome struct {
	Kind        OutcomeKind
	Transaction *Transaction
	Verdict     *FraudVerdict
	Pending     *PendingTransaction
	// DeliveryErr is set when a challenge was opened but the code could not be delivered.
	DeliveryErr error
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}
