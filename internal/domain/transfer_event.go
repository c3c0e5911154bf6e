package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FraudLabelEvent is consumed from the events exchange when an analyst or a
// downstream reconciliation job confirms or clears a transaction's fraud flag.
type FraudLabelEvent struct {
	EventID       string    `json:"event_id"`
	TransactionID string    `json:"transaction_id"`
	IsFraud       bool      `json:"is_fraud"`
	Source        string    `json:"source"`
	Reason        string    `json:"reason"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// TransactionCommittedEvent is published once a transaction has been persisted.
type TransactionCommittedEvent struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	UserID        uuid.UUID       `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	IsFraud       bool            `json:"is_fraud"`
	SteppedUp     bool            `json:"stepped_up"`
	CommittedAt   time.Time       `json:"committed_at"`
}

// OTPRequestedEvent asks the notification service to deliver a one-time code.
type OTPRequestedEvent struct {
	Destination string    `json:"destination"`
	Code        string    `json:"code"`
	Channel     string    `json:"channel"`
	Purpose     string    `json:"purpose"`
	RequestedAt time.Time `json:"requested_at"`
}
