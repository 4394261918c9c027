package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskplane/internal/task"
	"taskplane/pkg/dispatch"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "taskplane",
	Short: "Taskplane runs tasks in-process or in isolated OS processes",
	Long: `taskplane is a task-execution orchestration tool.

A task is written once; the unit that owns it decides, at composition
time, whether it runs inside the calling process or in an isolated OS
process, blocking or cooperatively scheduled, with optional setup and
closure phases around it.

Common workflows:

  Run a command as a task in the calling process:
    taskplane run -- echo hello

  Run it in an isolated OS process and wait for it:
    taskplane run --separate-process --await -- sleep 5

  Inspect the host's parallel-execution capacity:
    taskplane info

The dispatch subcommand is internal: it is the entry point spawned into
child processes by separate-process units.

Configuration:
  Settings come from flags, a config file, or environment variables:
    TASKPLANE_BACKEND         Isolation backend: exec or docker
    TASKPLANE_OTEL_ENDPOINT   OTLP gRPC collector address
    TASKPLANE_METRICS_PORT    Prometheus /metrics port (0 disables)`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".taskplane"
		viper.AddConfigPath(home)
		viper.SetConfigName(".taskplane")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "TASKPLANE_VARNAME"
	viper.SetEnvPrefix("TASKPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.taskplane.yaml)")

	rootCmd.PersistentFlags().String("backend", "", "isolation backend for separate-process units (exec|docker, default exec)")
	viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))

	rootCmd.PersistentFlags().String("docker-image", "", "image used by the docker backend (default taskplane:latest)")
	viper.BindPFlag("docker_image", rootCmd.PersistentFlags().Lookup("docker-image"))

	rootCmd.PersistentFlags().String("otel-endpoint", "", "OTLP gRPC collector address (empty disables tracing)")
	viper.BindPFlag("otel_endpoint", rootCmd.PersistentFlags().Lookup("otel-endpoint"))

	rootCmd.PersistentFlags().Int("metrics-port", 0, "Prometheus metrics port (0 disables)")
	viper.BindPFlag("metrics_port", rootCmd.PersistentFlags().Lookup("metrics-port"))

	// Builtin portable tasks must be registered identically in parent
	// and child processes.
	dispatch.Register(task.CommandTaskType, func() dispatch.Portable { return new(task.CommandTask) })
}
