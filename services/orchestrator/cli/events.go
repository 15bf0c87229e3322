package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/creativeghq/batchflow/internal/domain"
	"github.com/creativeghq/batchflow/internal/kafka"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow the job event stream from Kafka",
	Long: `Consume the job events topic and print one line per event.

Useful for tailing what a running orchestrator is doing without going
through its HTTP API.`,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	eventsCmd.Flags().String("events-topic", kafka.TopicJobEvents, "Kafka topic for job events")
	eventsCmd.Flags().String("group", "batchflow-events-cli", "Kafka consumer group ID")

	bindFlag("kafka_brokers", eventsCmd.Flags(), "kafka-brokers")
	bindFlag("events_topic", eventsCmd.Flags(), "events-topic")
	bindFlag("events_group", eventsCmd.Flags(), "group")
}

func runEvents(_ *cobra.Command, _ []string) error {
	logger := buildLogger(viper.GetString("log_level"), "events-cli")
	brokers := strings.Split(viper.GetString("kafka_brokers"), ",")
	topic := viper.GetString("events_topic")
	group := viper.GetString("events_group")

	consumer := kafka.NewConsumer(brokers, topic, group, logger)
	defer func() { _ = consumer.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		cancel()
	}()

	fmt.Fprintf(os.Stderr, "following %s on %s\n", topic, strings.Join(brokers, ","))

	return consumer.Subscribe(ctx, func(_ context.Context, msg kafka.Message) error {
		var ev domain.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			// Not one of ours; print raw so nothing is silently lost.
			fmt.Printf("%s\n", msg.Value)
			return nil
		}
		switch ev.Type {
		case domain.EventStatsUpdated:
			fmt.Printf("%s seq=%d %s jobs_running=%d tasks_completed=%d\n",
				ev.OccurredAt.Format("15:04:05.000"), ev.Seq, ev.Type,
				ev.Stats.JobsRunning, ev.Stats.TasksCompleted)
		case domain.EventJobRemoved:
			fmt.Printf("%s seq=%d %s job=%s\n",
				ev.OccurredAt.Format("15:04:05.000"), ev.Seq, ev.Type, ev.JobID)
		default:
			fmt.Printf("%s seq=%d %s job=%s status=%s progress=%.1f changed=%s\n",
				ev.OccurredAt.Format("15:04:05.000"), ev.Seq, ev.Type, ev.JobID,
				ev.Job.Status, ev.Job.Progress, strings.Join(ev.Changed, ","))
		}
		return nil
	})
}
