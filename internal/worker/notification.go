package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/zeidalqadri/tenderflow-sub000/internal/gateway"
	"github.com/zeidalqadri/tenderflow-sub000/internal/queue"
)

// Deliverer is the terminal delivery channel. The default implementation
// only relays through the gateway; a real email/push channel slots in
// without changing the queue contract.
type Deliverer interface {
	Deliver(ctx context.Context, kind, target string, data map[string]string) error
}

type gatewayDeliverer struct {
	hub *gateway.Hub
}

func (d gatewayDeliverer) Deliver(_ context.Context, kind, target string, data map[string]string) error {
	if d.hub != nil {
		d.hub.Publish(gateway.UserTopic(target), gateway.Event{
			Name:    "notification:delivered",
			Payload: map[string]interface{}{"type": kind, "data": data},
		})
	}
	log.Printf("notification: delivered %s to %s", kind, target)
	return nil
}

type NotificationHandler struct {
	deliverer Deliverer
}

func NewNotificationHandler(hub *gateway.Hub) *NotificationHandler {
	return &NotificationHandler{deliverer: gatewayDeliverer{hub: hub}}
}

// SetDeliverer substitutes the delivery channel.
func (h *NotificationHandler) SetDeliverer(d Deliverer) { h.deliverer = d }

func (h *NotificationHandler) Handle(ctx context.Context, job *queue.Job, progress func(int)) error {
	payload, ok := job.Payload.(queue.NotifyPayload)
	if !ok {
		return Permanent(fmt.Errorf("notification job %s carries %T payload", job.ID, job.Payload))
	}
	if err := h.deliverer.Deliver(ctx, payload.Type, payload.Target, payload.Data); err != nil {
		return fmt.Errorf("deliver %s to %s: %w", payload.Type, payload.Target, err)
	}
	progress(100)
	return nil
}
