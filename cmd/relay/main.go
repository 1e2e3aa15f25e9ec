package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/martinemde/relay/approval"
	"github.com/martinemde/relay/config"
	"github.com/martinemde/relay/logging"
)

type globalFlags struct {
	configFile string
	workingDir string
	logLevel   string
	logFormat  string
	policy     string
	provider   string
	model      string
}

// app carries the resolved configuration to subcommands.
type app struct {
	flags globalFlags
	cfg   config.Config
}

func newRootCommand() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "relay runs a coding agent against a working directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.flags.configFile, "config", "", "extra config file applied after the user and project files")
	pf.StringVarP(&a.flags.workingDir, "cwd", "C", "", "working directory (default: current directory)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&a.flags.logFormat, "log-format", "", "log format (console, json)")
	pf.StringVarP(&a.flags.policy, "policy", "p", "", "approval policy (never, on-request, auto, yolo)")
	pf.StringVar(&a.flags.provider, "provider", "", "model provider (anthropic, openai, or any gollm provider)")
	pf.StringVarP(&a.flags.model, "model", "m", "", "model name")

	rootCmd.AddCommand(
		newRunCommand(a),
		newResumeCommand(a),
		newSessionsCommand(a),
	)
	return rootCmd
}

// setup loads the layered config, applies flag overrides and installs the
// logger.
func (a *app) setup(cmd *cobra.Command) error {
	dir := a.flags.workingDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return errors.Wrap(err, "working directory")
		}
		dir = wd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return errors.Wrap(err, "working directory")
	}

	paths := config.Paths(dir)
	if a.flags.configFile != "" {
		if _, err := os.Stat(a.flags.configFile); err != nil {
			return errors.Wrap(err, "config file")
		}
		paths = append(paths, a.flags.configFile)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("policy") {
		if _, err := approval.ParsePolicy(a.flags.policy); err != nil {
			return err
		}
		cfg.Approval.Policy = a.flags.policy
	}
	if flags.Changed("provider") {
		cfg.Model.Provider = a.flags.provider
	}
	if flags.Changed("model") {
		cfg.Model.Name = a.flags.model
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.flags.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = a.flags.logFormat
	}
	if cfg.WorkingDir == "" || a.flags.workingDir != "" {
		cfg.WorkingDir = dir
	}

	if _, err := logging.Init(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
		return err
	}
	a.cfg = cfg
	log.Debug().Strs("config_files", paths).Str("working_dir", cfg.WorkingDir).Msg("config loaded")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("relay failed")
		os.Exit(1)
	}
}
