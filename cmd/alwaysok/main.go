package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfgpkg "alwaysok/internal/config"
	"alwaysok/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "alwaysok",
	Short:         "HTTPS endpoint that answers 200 for any host, issuing certificates on demand",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*cfgpkg.Config, *logrus.Logger, error) {
	cfg, err := cfgpkg.Load(viper.GetString("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := viper.GetString("ca.file"); v != "" {
		cfg.CA.File = v
	}
	if v := viper.GetString("ca.passphrase"); v != "" {
		cfg.CA.Passphrase = v
	}
	return cfg, logging.Setup(cfg.Logging.Level, cfg.Logging.Format), nil
}
