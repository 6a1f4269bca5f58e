package coordinator

import (
	"encoding/json"
	"fmt"
)

// Refresher is triggered by data-changed notifications
type Refresher interface {
	RequestFull(force bool)
	RequestFast(force bool)
}

// Bind registers the stream handlers. Operation event payloads are forwarded
// to events in arrival order; data-changed notifications request a
// non-forced refresh.
func (c *Coordinator) Bind(events chan<- []byte, refresher Refresher) {
	c.OnMessage(MessageTypeOperationEvent, func(msg *WSMessage) error {
		if len(msg.Payload) == 0 {
			return fmt.Errorf("operation event without payload")
		}
		payload := append([]byte(nil), msg.Payload...)
		select {
		case events <- payload:
			return nil
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	})

	c.OnMessage(MessageTypeAddonDataUpdated, func(*WSMessage) error {
		refresher.RequestFull(false)
		return nil
	})

	c.OnMessage(MessageTypeAddonDiskUpdated, func(*WSMessage) error {
		refresher.RequestFast(false)
		return nil
	})

	c.OnMessage(MessageTypeUpdateAllComplete, func(msg *WSMessage) error {
		var summary string
		if err := json.Unmarshal(msg.Payload, &summary); err != nil {
			summary = string(msg.Payload)
		}
		c.logger.WithField("summary", summary).Info("Update all completed")
		return nil
	})

	c.OnMessage(MessageTypeInstallEvent, func(msg *WSMessage) error {
		c.logger.WithField("payload", string(msg.Payload)).Debug("Install event")
		return nil
	})
}
