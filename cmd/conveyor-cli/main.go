// Conveyor CLI — инструмент командной строки для администрирования
// моста: топология брокера, dead-letter очередь, конфигурация.
//
// Использование:
//
//	conveyor [--config PATH] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	topology  Топология брокера (show, declare)
//	dlq       Dead-letter очередь (peek, purge)
//	config    Эффективная конфигурация (show, routes)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/conveyor/internal/cli"
	"github.com/shaiso/conveyor/internal/config"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var configPath string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "conveyor",
		Short:         "Conveyor CLI — BPMN task bridge admin tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONVEYOR_CONFIG"), "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	cfgFn := func() (*config.Config, error) { return config.Load(configPath) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewTopologyCmd(cfgFn, outputFn),
		cli.NewDLQCmd(cfgFn, outputFn),
		cli.NewConfigCmd(cfgFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
