package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/conveyor/internal/config"
	"github.com/shaiso/conveyor/internal/mq"
)

// NewDLQCmd создаёт группу команд для разбора errors.queue.
func NewDLQCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the dead-letter queue",
	}

	cmd.AddCommand(
		newDLQPeekCmd(cfgFn, outputFn),
		newDLQPurgeCmd(cfgFn, outputFn),
	)

	return cmd
}

// dlqEntry — одно сообщение errors.queue в выводе CLI.
type dlqEntry struct {
	MessageID string    `json:"message_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	Original  string    `json:"original"`
}

func newDLQPeekCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "peek",
		Short: "Show dead-lettered messages without consuming them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cfgFn()
			if err != nil {
				return err
			}
			out := outputFn()

			conn, err := mq.NewConnection(cfg.Broker.URL, slog.Default())
			if err != nil {
				return fmt.Errorf("connect to broker: %w", err)
			}
			defer conn.Close()

			ch := conn.Channel()
			entries := make([]dlqEntry, 0, count)

			// basic.get без ack: после закрытия канала брокер вернёт
			// сообщения в очередь, peek не потребляет
			for len(entries) < count {
				raw, ok, err := ch.Get(string(mq.QueueErrors), false)
				if err != nil {
					return fmt.Errorf("basic.get %s: %w", mq.QueueErrors, err)
				}
				if !ok {
					break
				}

				entries = append(entries, parseDLQEntry(raw.Body))
			}

			if len(entries) == 0 {
				out.Success("Dead-letter queue is empty")
				return nil
			}

			headers := []string{"MESSAGE_ID", "TIMESTAMP", "REASON", "ORIGINAL"}
			rows := make([][]string, len(entries))
			for i, e := range entries {
				rows[i] = []string{
					e.MessageID,
					e.Timestamp.Format(time.RFC3339),
					e.Reason,
					truncate(e.Original, 80),
				}
			}

			out.Print(headers, rows, entries)
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 10, "Maximum number of messages to show")

	return cmd
}

func newDLQPurgeCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete all messages from the dead-letter queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("refusing to purge without --force")
			}

			cfg, err := cfgFn()
			if err != nil {
				return err
			}
			out := outputFn()

			conn, err := mq.NewConnection(cfg.Broker.URL, slog.Default())
			if err != nil {
				return fmt.Errorf("connect to broker: %w", err)
			}
			defer conn.Close()

			n, err := conn.Channel().QueuePurge(string(mq.QueueErrors), false)
			if err != nil {
				return fmt.Errorf("purge %s: %w", mq.QueueErrors, err)
			}

			out.Success(fmt.Sprintf("Purged %d messages", n))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Confirm the purge")

	return cmd
}

// parseDLQEntry разбирает конверт dead-letter сообщения.
// Нечитаемое тело показывается как есть, peek не падает.
func parseDLQEntry(body []byte) dlqEntry {
	var envelope struct {
		ID        string               `json:"id"`
		Timestamp time.Time            `json:"timestamp"`
		Payload   mq.DeadLetterPayload `json:"payload"`
	}

	if err := json.Unmarshal(body, &envelope); err != nil {
		return dlqEntry{Reason: "<unparsable>", Original: string(body)}
	}

	return dlqEntry{
		MessageID: envelope.ID,
		Reason:    envelope.Payload.Reason,
		Timestamp: envelope.Timestamp,
		Original:  string(envelope.Payload.Original),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
