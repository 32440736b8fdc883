package main

import (
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"alwaysok/internal/probe"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Handshake with a TLS endpoint and print the served certificate",
	RunE:  runProbe,
}

func init() {
	probeCmd.Flags().String("addr", "127.0.0.1:8081", "Endpoint address")
	probeCmd.Flags().String("sni", "", "Server name to send")
	probeCmd.Flags().Uint8("fragment", 0, "Split the ClientHello after this many bytes (0 disables)")
	probeCmd.Flags().String("ca-cert", "", "PEM CA certificate to verify the chain against")
	probeCmd.Flags().Duration("timeout", 10*time.Second, "Handshake timeout")
	viper.BindPFlag("probe.addr", probeCmd.Flags().Lookup("addr"))
	viper.BindPFlag("probe.sni", probeCmd.Flags().Lookup("sni"))
	viper.BindPFlag("probe.fragment", probeCmd.Flags().Lookup("fragment"))
	viper.BindPFlag("probe.ca-cert", probeCmd.Flags().Lookup("ca-cert"))
	viper.BindPFlag("probe.timeout", probeCmd.Flags().Lookup("timeout"))

	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	opts := probe.Options{
		Addr:       viper.GetString("probe.addr"),
		ServerName: viper.GetString("probe.sni"),
		Fragment:   uint8(viper.GetUint("probe.fragment")),
		Timeout:    viper.GetDuration("probe.timeout"),
	}
	if path := viper.GetString("probe.ca-cert"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return fmt.Errorf("%w: %s", ErrNoCACert, path)
		}
		opts.Roots = pool
	}

	res, err := probe.Run(cmd.Context(), opts)
	if err != nil {
		return err
	}
	ips := make([]string, len(res.IPs))
	for i, ip := range res.IPs {
		ips[i] = ip.String()
	}
	fmt.Printf("subject:    %s\n", res.Subject)
	fmt.Printf("issuer:     %s\n", res.Issuer)
	fmt.Printf("dns names:  %s\n", strings.Join(res.DNSNames, ", "))
	fmt.Printf("ip addrs:   %s\n", strings.Join(ips, ", "))
	fmt.Printf("serial:     %s\n", res.Serial)
	fmt.Printf("valid:      %s .. %s\n", res.NotBefore.Format(time.RFC3339), res.NotAfter.Format(time.RFC3339))
	fmt.Printf("key bits:   %d\n", res.KeyBits)
	fmt.Printf("alpn:       %s\n", res.Protocol)
	fmt.Printf("handshake:  %s\n", res.Handshaken.Round(time.Millisecond))
	if opts.Roots != nil {
		if res.Verified {
			fmt.Println("chain:      verified")
		} else {
			fmt.Printf("chain:      NOT verified: %v\n", res.VerifyErr)
			return ErrVerifyFailed
		}
	}
	return nil
}
