// Package notify delivers step-up codes to users.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ankitkr9911/Cipherstorm/internal/domain"
	"github.com/ankitkr9911/Cipherstorm/pkg/rabbitmq"
)

const (
	ChannelEmail   = "email"
	PurposeStepUp  = "transaction_step_up"
	publishTimeout = 5 * time.Second
)

var ErrNoDestination = errors.New("no delivery destination")

// EventNotifier asks the notification service to deliver codes by publishing
// notification.otp.requested events.
type EventNotifier struct {
	publisher rabbitmq.Publisher
	now       func() time.Time
}

func NewEventNotifier(publisher rabbitmq.Publisher) *EventNotifier {
	return &EventNotifier{publisher: publisher, now: time.Now}
}

func (n *EventNotifier) SendCode(ctx context.Context, destination, code string) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return ErrNoDestination
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	event := domain.OTPRequestedEvent{
		Destination: destination,
		Code:        code,
		Channel:     ChannelEmail,
		Purpose:     PurposeStepUp,
		RequestedAt: n.now().UTC(),
	}
	if err := n.publisher.PublishOTPRequested(ctx, event); err != nil {
		return fmt.Errorf("publish otp request: %w", err)
	}
	return nil
}

// LogNotifier writes codes to the log. Local development only.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify", "mode", "log")}
}

func (n *LogNotifier) SendCode(_ context.Context, destination, code string) error {
	if strings.TrimSpace(destination) == "" {
		return ErrNoDestination
	}
	n.logger.Warn("otp delivery not configured; printing code", "destination", destination, "code", code)
	return nil
}
