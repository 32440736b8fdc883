package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"alwaysok/internal/pki"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the signing certificate authority",
}

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new CA container",
	RunE:  runCAInit,
}

var caShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the CA certificate in PEM form",
	RunE:  runCAShow,
}

func init() {
	caCmd.PersistentFlags().String("file", "", "CA container path (overrides ca.file)")
	caCmd.PersistentFlags().String("passphrase", "", "CA container passphrase (overrides ca.passphrase)")
	viper.BindPFlag("ca.file", caCmd.PersistentFlags().Lookup("file"))
	viper.BindPFlag("ca.passphrase", caCmd.PersistentFlags().Lookup("passphrase"))

	caInitCmd.Flags().Bool("force", false, "Overwrite an existing container")
	caInitCmd.Flags().String("cert-out", "", "PEM copy of the CA certificate (default: container path with .crt)")
	viper.BindPFlag("ca.init.force", caInitCmd.Flags().Lookup("force"))
	viper.BindPFlag("ca.init.cert-out", caInitCmd.Flags().Lookup("cert-out"))

	caCmd.AddCommand(caInitCmd, caShowCmd)
	rootCmd.AddCommand(caCmd)
}

func runCAInit(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.CA.File); err == nil && !viper.GetBool("ca.init.force") {
		return fmt.Errorf("%w: %s", ErrCAExists, cfg.CA.File)
	}
	a, err := pki.GenerateAuthority(subjectOf(cfg), time.Now())
	if err != nil {
		return err
	}
	if err := pki.WriteContainer(cfg.CA.File, a, cfg.CA.Passphrase); err != nil {
		return err
	}
	out := viper.GetString("ca.init.cert-out")
	if out == "" {
		out = strings.TrimSuffix(cfg.CA.File, filepath.Ext(cfg.CA.File)) + ".crt"
	}
	if err := os.WriteFile(out, a.CertPEM(), 0o644); err != nil {
		return err
	}
	fmt.Printf("Created %s and %s\n  subject:   %s\n  not after: %s\n",
		cfg.CA.File, out, a.Cert.Subject, a.Cert.NotAfter.Format(time.RFC3339))
	return nil
}

func runCAShow(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newLoader(cfg, log).Authority()
	if err != nil {
		return err
	}
	fmt.Print(strings.TrimRight(string(a.CertPEM()), "\n") + "\n")
	return nil
}
