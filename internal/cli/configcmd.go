package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/conveyor/internal/config"
)

// NewConfigCmd создаёт группу команд для работы с конфигурацией.
func NewConfigCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect effective configuration",
	}

	cmd.AddCommand(
		newConfigShowCmd(cfgFn, outputFn),
		newConfigRoutesCmd(cfgFn, outputFn),
	)

	return cmd
}

func newConfigShowCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration after defaults and env overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cfgFn()
			if err != nil {
				return err
			}
			out := outputFn()

			// Секреты в вывод не попадают
			shown := *cfg
			if shown.Engine.Password != "" {
				shown.Engine.Password = "***"
			}
			shown.Broker.URL = redactAMQPURL(shown.Broker.URL)

			rows := [][]string{
				{"engine.base_url", shown.Engine.BaseURL},
				{"engine.timeout_sec", strconv.Itoa(shown.Engine.TimeoutSec)},
				{"engine.verify_tls", strconv.FormatBool(shown.Engine.VerifyTLS)},
				{"broker.url", shown.Broker.URL},
				{"cache.ttl_hours", strconv.Itoa(shown.Cache.TTLHours)},
				{"cache.max_entries", strconv.Itoa(shown.Cache.MaxEntries)},
				{"dispatch.worker_id", shown.Dispatch.WorkerID},
				{"dispatch.batch_size", strconv.Itoa(shown.Dispatch.BatchSize)},
				{"dispatch.lock_duration_ms", strconv.FormatInt(shown.Dispatch.LockDurationMs, 10)},
				{"dispatch.idle_wait_sec", strconv.Itoa(shown.Dispatch.IdleWaitSec)},
				{"reconcile.interval_sec", strconv.Itoa(shown.Reconcile.IntervalSec)},
				{"reconcile.cron", shown.Reconcile.Cron},
				{"reconcile.batch_size", strconv.Itoa(shown.Reconcile.BatchSize)},
				{"retry.max_attempts", strconv.Itoa(shown.Retry.MaxAttempts)},
				{"retry.base_backoff_ms", strconv.FormatInt(shown.Retry.BaseBackoffMs, 10)},
				{"router.default_queue", shown.Router.DefaultQueue},
			}

			out.Print([]string{"KEY", "VALUE"}, rows, shown)
			return nil
		},
	}
}

func newConfigRoutesCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Show the topic routing table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cfgFn()
			if err != nil {
				return err
			}
			out := outputFn()

			rows := make([][]string, 0, len(cfg.Router.Rules)+1)
			for _, r := range cfg.Router.Rules {
				match := "exact"
				if r.Prefix {
					match = "prefix"
				}
				rows = append(rows, []string{r.Topic, match, r.Queue})
			}
			rows = append(rows, []string{"*", "default", cfg.Router.DefaultQueue})

			out.Print([]string{"TOPIC", "MATCH", "QUEUE"}, rows, cfg.Router)
			return nil
		},
	}
}

// redactAMQPURL прячет пароль в amqp-URL.
func redactAMQPURL(url string) string {
	at := strings.LastIndex(url, "@")
	scheme := strings.Index(url, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return url
	}

	creds := url[scheme+3 : at]
	if colon := strings.Index(creds, ":"); colon >= 0 {
		return url[:scheme+3] + creds[:colon] + ":***" + url[at:]
	}

	return url
}
