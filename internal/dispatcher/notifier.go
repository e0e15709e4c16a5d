package dispatcher

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"scand/internal/scan"
	"scand/pkg/cloudevent"
)

// Notifier wraps scan lifecycle payloads in CloudEvents and hands them
// to the dispatcher. It satisfies the registry's callback interface.
type Notifier struct {
	d      Dispatcher
	source string
	logger *slog.Logger
}

var _ scan.CallbackNotifier = (*Notifier)(nil)

// NewNotifier creates a notifier stamping events with the given source.
func NewNotifier(d Dispatcher, source string) *Notifier {
	return &Notifier{
		d:      d,
		source: source,
		logger: slog.With("component", "notifier"),
	}
}

// Notify is fire-and-forget: encoding or queueing failures are logged
// and swallowed so callbacks can never affect scan state.
func (n *Notifier) Notify(eventType, scanID string, payload any, cb scan.Callback) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("Failed to encode callback payload", "scanId", scanID, "type", eventType, "error", err)
		return
	}
	ev := cloudevent.New(eventType, n.source, scanID, uuid.NewString(), data)
	if err := n.d.Dispatch(&Event{Payload: ev, Destination: cb.URL, SigningKey: cb.SigningKey}); err != nil {
		n.logger.Warn("Failed to queue callback", "scanId", scanID, "type", eventType, "error", err)
	}
}
