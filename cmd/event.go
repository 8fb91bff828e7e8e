package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/disbursement-core/internal/core/events"
	"github.com/frahmantamala/disbursement-core/pkg/logger"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Event management commands",
	Long:  `Publish status events by hand to check subscribers and the kafka topic`,
}

var publishEventCmd = &cobra.Command{
	Use:   "publish [payment|batch] [id]",
	Short: "Publish a status changed event",
	Long:  `Publish a payment or batch status changed event on the event bus, forwarding it to kafka when messaging is enabled`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishStatusEvent(args[0], args[1])
	},
}

var (
	eventFrom    string
	eventTo      string
	eventFSPCode string
)

func publishStatusEvent(kind, rawID string) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", rawID, err)
	}

	var event events.Event
	switch strings.ToLower(kind) {
	case "payment":
		event = events.NewPaymentStatusChangedEvent(id, nil, eventFrom, eventTo, eventFSPCode, "cli-"+uuid.NewString())
	case "batch":
		event = events.NewBatchStatusChangedEvent(id, "", eventFrom, eventTo)
	default:
		return fmt.Errorf("unknown event kind %q, want payment or batch", kind)
	}

	log := logger.LoggerWrapper()
	bus := events.NewEventBus(log)
	bus.Subscribe(event.EventType(), func(ctx context.Context, e events.Event) error {
		log.Info("handler received event",
			"event_id", e.EventID(),
			"event_type", e.EventType(),
			"payload", e.Payload())
		return nil
	})

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Warn("no config loaded, publishing in process only", "error", err)
	} else if cfg.Messaging.Kafka.Enabled {
		forwarder := events.NewKafkaForwarder(events.NewKafkaWriter(cfg.Messaging.Kafka.Brokers, cfg.Messaging.Kafka.Topic), log)
		defer forwarder.Close()
		forwarder.Register(bus)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info("publishing event", "event_type", event.EventType(), "event_id", event.EventID())
	if err := bus.PublishSync(ctx, event); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	log.Info("event published successfully")
	return nil
}

func init() {
	publishEventCmd.Flags().StringVar(&eventFrom, "from", "PENDING", "previous status")
	publishEventCmd.Flags().StringVar(&eventTo, "to", "PROCESSING", "new status")
	publishEventCmd.Flags().StringVar(&eventFSPCode, "fsp", "", "FSP code carried by payment events")

	eventCmd.AddCommand(publishEventCmd)

	rootCmd.AddCommand(eventCmd)
}
