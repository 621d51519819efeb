// Package notify delivers entity discovery events to the external notifier.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/invoicedocumentflow/internal/models"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// EventTypeEntityDiscovered is the CloudEvents type of a discovery event.
const EventTypeEntityDiscovered = "com.invoiceflow.entity.discovered"

// Notifier receives one event per newly created entity.
type Notifier interface {
	Notify(ctx context.Context, e models.DiscoveryEvent) error
}

// CloudEventsNotifier posts discovery events as CloudEvents over HTTP.
type CloudEventsNotifier struct {
	client cloudevents.Client
	target string
	source string
}

// NewCloudEventsNotifier creates a notifier that sends to target. source
// identifies this service in the event envelope.
func NewCloudEventsNotifier(target, source string) (*CloudEventsNotifier, error) {
	if target == "" {
		return nil, fmt.Errorf("notifier target must be provided")
	}
	c, err := cloudevents.NewClientHTTP()
	if err != nil {
		return nil, fmt.Errorf("failed to create CloudEvents client: %w", err)
	}
	return &CloudEventsNotifier{client: c, target: target, source: source}, nil
}

func (n *CloudEventsNotifier) Notify(ctx context.Context, e models.DiscoveryEvent) error {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(n.source)
	event.SetType(EventTypeEntityDiscovered)
	event.SetSubject(e.EntityID)
	if err := event.SetData(cloudevents.ApplicationJSON, e); err != nil {
		return fmt.Errorf("failed to encode discovery event: %w", err)
	}

	result := n.client.Send(cloudevents.ContextWithTarget(ctx, n.target), event)
	if !cloudevents.IsACK(result) {
		return fmt.Errorf("failed to deliver discovery event for %s %s: %w", e.EntityType, e.EntityID, result)
	}
	return nil
}

// LogNotifier writes discovery events to a logger. It is used when no
// notifier endpoint is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, e models.DiscoveryEvent) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("New entity discovered.", "entityType", e.EntityType, "entityId", e.EntityID, "name", e.Name, "source", e.Source)
	return nil
}
