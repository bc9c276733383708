package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/offsync/offsync/internal/config"
)

// Options are the flags shared by every command.
type Options struct {
	ConfigPath   string
	DataDir      string
	Upstream     string
	Addr         string
	Connectivity string
	LogLevel     string
}

// AddFlags registers the shared flags.
func (o *Options) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&o.ConfigPath, "config", "c", "", "path to configuration file (YAML, TOML or JSON)")
	flagSet.StringVar(&o.DataDir, "data-dir", "", "base directory for the store and local snapshots")
	flagSet.StringVarP(&o.Upstream, "upstream", "u", "", "base URL of the remote table service")
	flagSet.StringVar(&o.Addr, "addr", "", "proxy listen address")
	flagSet.StringVar(&o.Connectivity, "connectivity", "", "connectivity mode: probe, online or offline")
	flagSet.StringVar(&o.LogLevel, "log-level", "", "log level: debug, info, warn or error")
}

// Load builds the configuration from defaults or file, environment, then
// flags, in increasing priority.
func (o *Options) Load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.ConfigPath != "" {
		cfg, err = config.LoadFromFile(o.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}
	if o.Upstream != "" {
		cfg.Upstream.BaseURL = o.Upstream
	}
	if o.Addr != "" {
		cfg.HTTP.Addr = o.Addr
	}
	if o.Connectivity != "" {
		cfg.Connectivity.Mode = config.ConnectivityMode(o.Connectivity)
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	return cfg, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
