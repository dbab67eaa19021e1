// Command wirechat-inbox is a terminal client for the messaging inbox.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-inbox/internal/config"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/api"
	"github.com/vovakirdan/wirechat-inbox/internal/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wirechat-inbox:", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	configPath string
	baseURL    string
	logLevel   string
}

// env is what every subcommand needs after flag parsing.
type env struct {
	cfg    config.ClientConfig
	tokens *tokenFile
	client *api.Client
	log    *zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "wirechat-inbox",
		Short:         "Terminal client for the wirechat inbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.yaml")
	root.PersistentFlags().StringVar(&opts.baseURL, "server", "", "server base URL")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(
		newLoginCmd(opts),
		newThreadsCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

func setup(opts *globalOptions) (*env, error) {
	_ = godotenv.Load(".env")

	logger := log.NewWithWriter(os.Stderr, opts.logLevel)
	cfg, _, err := config.Load(logger, opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.UpdateFrom(config.Config{Client: config.ClientConfig{BaseURL: opts.baseURL}})

	path := cfg.Client.TokenFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve token file: %w", err)
		}
		path = filepath.Join(home, ".wirechat-inbox", "token")
	}
	tokens := &tokenFile{path: path}

	return &env{
		cfg:    cfg.Client,
		tokens: tokens,
		client: api.New(cfg.Client.BaseURL, tokens),
		log:    logger,
	}, nil
}
