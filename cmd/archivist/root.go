package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/meigma/archivist/config"
	"github.com/meigma/archivist/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app is the state shared by every command.
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	logFile    string

	cfg       config.Config
	logger    *slog.Logger
	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "archivist",
		Short:         "Store, deduplicate and serve article archives",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug|info|warn|error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: text|json")
	flags.StringVar(&a.logFile, "log-file", "", "write logs to a rotated file instead of stderr")

	cmd.AddCommand(
		newServeCmd(a),
		newPackCmd(a),
		newInspectCmd(a),
		newVersionCmd(),
	)
	return cmd
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = a.logFormat
	}
	if flags.Changed("log-file") {
		cfg.Log.File = a.logFile
	}
	logger, closer, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg, a.logger, a.logCloser = cfg, logger, closer
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version)
		},
	}
}
