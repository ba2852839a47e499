package main

import (
	"encoding/json"
	"fmt"

	"github.com/vinayprograms/docrpc/bus"
	"github.com/vinayprograms/docrpc/logging"
	"github.com/vinayprograms/docrpc/telemetry"
)

// exportChanges subscribes to every change subject under prefix and
// forwards each change to events. The forwarder stops when the
// subscription ends.
func exportChanges(b bus.MessageBus, prefix string, events telemetry.Exporter, logger *logging.Logger) (bus.Subscription, error) {
	sub, err := b.Subscribe(prefix + ".>")
	if err != nil {
		return nil, fmt.Errorf("subscribe changes: %w", err)
	}
	logger = logger.WithComponent("changes")

	go func() {
		for msg := range sub.Messages() {
			var change map[string]interface{}
			if err := json.Unmarshal(msg.Data, &change); err != nil {
				logger.Warn("undecodable_change", map[string]interface{}{
					"subject": msg.Subject,
					"error":   err.Error(),
				})
				continue
			}
			events.LogEvent(telemetry.EventChangePublished, map[string]interface{}{
				"subject": msg.Subject,
				"change":  change,
			})
		}
	}()
	return sub, nil
}
