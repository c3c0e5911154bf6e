package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ankitkr9911/Cipherstorm/internal/domain"
	"github.com/ankitkr9911/Cipherstorm/internal/store"
	"github.com/google/uuid"
)

// FraudLabelConsumer applies fraud labels published on transaction.fraud.labelled.
// Setting is_fraud on an existing row is the only mutation a committed
// transaction ever sees.
type FraudLabelConsumer struct {
	repo    store.Repository
	timeout time.Duration
	logger  *slog.Logger
}

func NewFraudLabelConsumer(repo store.Repository, logger *slog.Logger) *FraudLabelConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &FraudLabelConsumer{
		repo:    repo,
		timeout: 15 * time.Second,
		logger:  logger.With("component", "fraud-label-consumer"),
	}
}

// HandleMessage returns false only when the label should be redelivered.
func (c *FraudLabelConsumer) HandleMessage(body []byte) bool {
	var event domain.FraudLabelEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal payload; dropping", "error", err)
		return true
	}

	transactionID, err := uuid.Parse(strings.TrimSpace(event.TransactionID))
	if err != nil {
		c.logger.Warn("missing or malformed transaction id; dropping", "transaction_id", event.TransactionID)
		return true
	}
	if strings.TrimSpace(event.EventID) == "" {
		event.EventID = derivedEventID(event)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.processEvent(ctx, transactionID, event); err != nil {
		c.logger.Error("processing error", "transaction_id", transactionID, "event_id", event.EventID, "error", err)
		return false
	}
	return true
}

func (c *FraudLabelConsumer) processEvent(ctx context.Context, transactionID uuid.UUID, event domain.FraudLabelEvent) error {
	if _, err := c.repo.FindTransactionByID(ctx, transactionID); err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			c.logger.Info("no transaction for label; acknowledging", "transaction_id", transactionID)
			return nil
		}
		return fmt.Errorf("lookup transaction: %w", err)
	}

	applied, err := c.repo.ApplyFraudLabel(ctx, transactionID, event)
	if err != nil {
		return fmt.Errorf("apply label: %w", err)
	}
	if !applied {
		c.logger.Info("label already applied", "transaction_id", transactionID, "event_id", event.EventID)
		return nil
	}
	c.logger.Info("fraud label applied",
		"transaction_id", transactionID, "is_fraud", event.IsFraud, "source", event.Source)
	return nil
}

// derivedEventID gives producers that omit event_id a stable identity, so a
// redelivered label is still recognised as a duplicate.
func derivedEventID(event domain.FraudLabelEvent) string {
	name := fmt.Sprintf("%s|%t|%s|%d",
		strings.TrimSpace(event.TransactionID), event.IsFraud, event.Source, event.OccurredAt.UnixNano())
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}
