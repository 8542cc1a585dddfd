package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/shaiso/conveyor/internal/config"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/router"
)

// NewTopologyCmd создаёт группу команд для работы с топологией брокера.
func NewTopologyCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Inspect and declare broker topology",
	}

	cmd.AddCommand(
		newTopologyShowCmd(cfgFn, outputFn),
		newTopologyDeclareCmd(cfgFn, outputFn),
	)

	return cmd
}

// taskQueues возвращает список очередей downstream-систем из таблицы
// маршрутизации.
func taskQueues(cfg *config.Config) []mq.Queue {
	return router.New(cfg.Router).Queues()
}

func newTopologyShowCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show exchanges, queues and bindings derived from the routing table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cfgFn()
			if err != nil {
				return err
			}
			out := outputFn()

			type binding struct {
				Exchange   string `json:"exchange"`
				Queue      string `json:"queue"`
				RoutingKey string `json:"routing_key"`
				DLQ        string `json:"dlq,omitempty"`
			}

			var bindings []binding
			for _, q := range taskQueues(cfg) {
				bindings = append(bindings, binding{
					Exchange:   string(mq.ExchangeTasks),
					Queue:      string(q),
					RoutingKey: string(mq.TaskRoutingKey(q)),
					DLQ:        string(mq.QueueErrors),
				})
			}
			bindings = append(bindings,
				binding{
					Exchange:   string(mq.ExchangeResponses),
					Queue:      string(mq.QueueResponses),
					RoutingKey: string(mq.RoutingKeyResponses),
					DLQ:        string(mq.QueueErrors),
				},
				binding{
					Exchange:   string(mq.ExchangeErrors),
					Queue:      string(mq.QueueErrors),
					RoutingKey: string(mq.RoutingKeyErrors),
				},
			)

			headers := []string{"EXCHANGE", "QUEUE", "ROUTING_KEY", "DLQ"}
			rows := make([][]string, len(bindings))
			for i, b := range bindings {
				rows[i] = []string{b.Exchange, b.Queue, b.RoutingKey, b.DLQ}
			}

			out.Print(headers, rows, bindings)
			return nil
		},
	}
}

func newTopologyDeclareCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "declare",
		Short: "Declare exchanges, queues and bindings on the broker",
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

			queues := taskQueues(cfg)
			if err := mq.SetupTopology(conn, queues); err != nil {
				return fmt.Errorf("setup topology: %w", err)
			}

			out.Success(fmt.Sprintf("Topology declared: %d task queues", len(queues)))
			return nil
		},
	}
}
