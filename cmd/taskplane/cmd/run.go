package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskplane/internal/config"
	"taskplane/internal/logger"
	"taskplane/internal/observability"
	"taskplane/internal/proc"
	"taskplane/internal/task"
	"taskplane/internal/unit"
)

// settings loads the environment configuration and layers any flag or
// config-file values from viper on top.
func settings() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("backend"); v != "" {
		if v != "exec" && v != "docker" {
			return nil, fmt.Errorf("invalid backend %q: want exec or docker", v)
		}
		cfg.Backend = v
	}
	if v := viper.GetString("docker_image"); v != "" {
		cfg.DockerImage = v
	}
	if v := viper.GetString("otel_endpoint"); v != "" {
		cfg.OTELEndpoint = v
	}
	if v := viper.GetInt("metrics_port"); v != 0 {
		cfg.MetricsPort = v
	}
	return cfg, nil
}

var runCmd = &cobra.Command{
	Use:   "run [flags] -- command [args...]",
	Short: "Run a command as a task under a processing unit",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		separate, _ := cmd.Flags().GetBool("separate-process")
		daemon, _ := cmd.Flags().GetBool("daemon")
		await, _ := cmd.Flags().GetBool("await")
		useStart, _ := cmd.Flags().GetBool("start")
		joinTimeout, _ := cmd.Flags().GetDuration("join-timeout")
		name, _ := cmd.Flags().GetString("name")

		cfg, err := settings()
		if err != nil {
			return err
		}

		log := logger.New(slog.LevelInfo)
		ctx := context.Background()

		if cfg.OTELEndpoint != "" {
			shutdown, err := observability.InitTracer(ctx, "taskplane", cfg.OTELEndpoint)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Error("tracer shutdown failed", "err", err)
				}
			}()
		}

		if port := cfg.MetricsPort; port > 0 {
			handler, shutdown, err := observability.InitMetrics()
			if err != nil {
				return fmt.Errorf("init metrics: %w", err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Error("metrics shutdown failed", "err", err)
				}
			}()

			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", handler)
				addr := fmt.Sprintf(":%d", port)
				log.Info("metrics listening", "addr", addr)
				if err := http.ListenAndServe(addr, mux); err != nil {
					log.Error("metrics server error", "err", err)
				}
			}()
		}

		var backend proc.Backend
		if separate && cfg.Backend == "docker" {
			dockerBackend, err := proc.NewDockerBackend(cfg.DockerImage)
			if err != nil {
				return err
			}
			backend = dockerBackend
		}

		var dispatcher []string
		if cfg.Dispatcher != "" {
			dispatcher = strings.Fields(cfg.Dispatcher)
		}

		if name == "" {
			name = args[0]
		}
		t := task.NewCommandTask(name, args)

		u := unit.New(t, unit.Config{
			Name:            name,
			SeparateProcess: separate,
			Daemon:          daemon,
			AllowClosure:    separate,
			AwaitClosure:    await,
			PollInterval:    cfg.PollInterval,
			Backend:         backend,
			Dispatcher:      dispatcher,
			Logger:          log,
		})
		if separate {
			u.SetClosure(func(task.Kwargs) error {
				log.Info("task finished", "name", name)
				return nil
			}, nil)
		}

		method := u.Run
		if useStart {
			method = u.Start
		}
		if err := method(task.PhaseKwargs{}); err != nil {
			return err
		}

		if separate && !await {
			u.Join(joinTimeout)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("separate-process", false, "run the task in an isolated OS process")
	runCmd.Flags().Bool("daemon", false, "detach the isolated process from this one")
	runCmd.Flags().Bool("await", true, "wait for the isolated process before the closure phase")
	runCmd.Flags().Bool("start", false, "dispatch the task's start method instead of run")
	runCmd.Flags().Duration("join-timeout", 0, "join budget after dispatch (0 waits indefinitely)")
	runCmd.Flags().String("name", "", "unit name (default: the command)")

	rootCmd.AddCommand(runCmd)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show host execution capacity and configured backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := settings()
		if err != nil {
			return err
		}
		cmd.Printf("cpus:    %d\n", proc.CPUCount)
		cmd.Printf("backend: %s\n", cfg.Backend)
		if cfg.Backend == "docker" {
			cmd.Printf("image:   %s\n", cfg.DockerImage)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
