package main

import (
	"fmt"
	"os"

	loopline "github.com/loopline-im/loopline-go"
)

// getClient creates an API client from the stored configuration.
func getClient() (*loopline.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No credentials. Run 'loopline init <token> <user-id>' first.")
		os.Exit(1)
	}

	var opts []loopline.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, loopline.WithBaseURL(cfg.Default.BaseURL))
	}
	return loopline.NewClient(cfg.Auth.Token, opts...), cfg
}

// engineOptions returns engine options derived from the configuration.
func engineOptions(cfg *Config) []loopline.EngineOption {
	var opts []loopline.EngineOption
	if cfg.Default.PageSize > 0 {
		opts = append(opts, loopline.WithPageSize(cfg.Default.PageSize))
	}
	return opts
}
