package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var issueCmd = &cobra.Command{
	Use:   "issue <host>",
	Short: "Issue a certificate for host and write it to disk",
	Args:  cobra.ExactArgs(1),
	RunE:  runIssue,
}

func init() {
	issueCmd.Flags().String("out", ".", "Output directory")
	issueCmd.Flags().String("format", "pfx", "Output format: pfx or pem")
	issueCmd.Flags().String("password", "", "Password protecting the pfx output")
	viper.BindPFlag("issue.out", issueCmd.Flags().Lookup("out"))
	viper.BindPFlag("issue.format", issueCmd.Flags().Lookup("format"))
	viper.BindPFlag("issue.password", issueCmd.Flags().Lookup("password"))

	rootCmd.AddCommand(issueCmd)
}

func runIssue(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	res, _, store, err := newResolver(cfg, log, nil)
	if err != nil {
		return err
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	b, err := res.Resolve(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	name := b.Leaf.Subject.CommonName
	dir := viper.GetString("issue.out")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	switch format := viper.GetString("issue.format"); format {
	case "pfx":
		data, err := b.PKCS12(viper.GetString("issue.password"))
		if err != nil {
			return err
		}
		path := filepath.Join(dir, name+".pfx")
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
	case "pem":
		certPEM, keyPEM, err := b.PEM()
		if err != nil {
			return err
		}
		certPath := filepath.Join(dir, name+".crt")
		keyPath := filepath.Join(dir, name+".key")
		if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
			return err
		}
		if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
			return err
		}
		fmt.Printf("Wrote %s and %s\n", certPath, keyPath)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	fmt.Printf("  serial:    %s\n  not after: %s\n", b.Serial, b.Leaf.NotAfter.Format("2006-01-02"))
	return nil
}
