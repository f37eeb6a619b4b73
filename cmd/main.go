package main

import (
	"encoding/json"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskscheduler/internal/app"
	"taskscheduler/internal/config"
)

func loadConfig() (*config.Config, error) {
	var cfg config.Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	var application app.App

	root := &cobra.Command{
		Use:           "taskscheduler",
		Short:         "Persistent task scheduler with pluggable due-ness strategies and executors",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			application = app.New(cfg)
			return nil
		},
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler loop and the HTTP API",
		Run: func(*cobra.Command, []string) {
			application.Run()
		},
	}

	var agentID string
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Execute due tasks once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			results, err := application.Sweep(cmd.Context(), agentID)
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}
	sweep.Flags().StringVar(&agentID, "agent", "", "only sweep tasks assigned to this agent")

	run := &cobra.Command{
		Use:   "run <task-id>",
		Short: "Execute one task immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := application.RunTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	root.AddCommand(serve, sweep, run)
	root.Run = serve.Run

	if err := root.Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}
