// Package notifier
package notifier

import "fmt"

// EventType classifies operator-facing notifications.
type EventType string

const (
	EventManualOrderConflict     EventType = "ManualOrderConflict"
	EventRetryExhausted          EventType = "RetryExhausted"
	EventReconciliationAmbiguous EventType = "ReconciliationAmbiguous"
)

// Event is a one-way notification to the operator.
type Event struct {
	Type    EventType
	Symbol  string
	OrderID string
	Details string
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] %s %s: %s", e.Type, e.Symbol, e.OrderID, e.Details)
}

// Notifier interface for sending notifications (e.g., Telegram).
type Notifier interface {
	Send(msg string) error
	SendWithRetry(msg string) error
	Notify(event Event) error
}

// Noop discards all notifications.
type Noop struct{}

func (Noop) Send(string) error          { return nil }
func (Noop) SendWithRetry(string) error { return nil }
func (Noop) Notify(Event) error         { return nil }
