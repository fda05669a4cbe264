// Package cli holds the previewd command tree.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"previewd/internal/config"
	"previewd/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand builds the previewd command and its subcommands.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "previewd",
		Short: "Attachment preview service",
		Long: `previewd fetches chat attachments, classifies them and renders
spreadsheet, document, image and pdf previews.

Available subcommands:
  serve    - Run the HTTP API
  inspect  - Parse local files and print a text preview
  classify - Show the preview category of declared content types
  token    - Manage API tokens`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (JSON or YAML); defaults to $"+config.EnvPath+" or ./config.json")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newServeCommand(opts),
		newInspectCommand(opts),
		newClassifyCommand(),
		newTokenCommand(opts),
	)
	return root
}

// Execute runs the root command with os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

// loadConfig reads the configured file. Without an explicit path a missing
// file is not an error and the defaults are used.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = os.Getenv(config.EnvPath)
	}
	if path == "" {
		if _, err := os.Stat("config.json"); errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (o *rootOptions) logger(cfg *config.Config) (*zap.Logger, error) {
	logCfg := cfg.Logging
	if o.logLevel != "" {
		logCfg.Level = o.logLevel
	}
	return logging.New(logCfg)
}
