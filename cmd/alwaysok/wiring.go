package main

import (
	"github.com/sirupsen/logrus"

	cfgpkg "alwaysok/internal/config"
	"alwaysok/internal/metrics"
	"alwaysok/internal/pki"
	"alwaysok/internal/resolver"
	"alwaysok/internal/rules"
	"alwaysok/internal/truststore"
)

func subjectOf(cfg *cfgpkg.Config) pki.Subject {
	return pki.Subject{
		Country:      cfg.Subject.Country,
		State:        cfg.Subject.State,
		Locality:     cfg.Subject.Locality,
		Organization: cfg.Subject.Organization,
	}
}

func newLoader(cfg *cfgpkg.Config, log logrus.FieldLogger) *pki.Loader {
	return pki.NewLoader(pki.Source{
		File:         cfg.CA.File,
		Passphrase:   cfg.CA.Passphrase,
		CertFile:     cfg.CA.CertFile,
		KeyFile:      cfg.CA.KeyFile,
		AutoGenerate: cfg.CA.AutoGenerate,
		Subject:      subjectOf(cfg),
	}, log)
}

func newGenerator(cfg *cfgpkg.Config, log logrus.FieldLogger) *pki.Generator {
	return &pki.Generator{
		Subject:     subjectOf(cfg),
		SANs:        pki.NewSANBuilder(log),
		IncludeHost: cfg.SAN.IncludeRequestedHost,
	}
}

// newResolver wires the certificate pipeline. The returned store, if any,
// must be closed by the caller when it implements io.Closer.
func newResolver(cfg *cfgpkg.Config, log *logrus.Logger, stats *metrics.Aggregator) (*resolver.Resolver, *pki.Loader, truststore.Store, error) {
	store, err := truststore.New(cfg.TrustStore.Driver, cfg.TrustStore.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	opts := resolver.Options{
		DefaultHost:  cfg.DefaultHost,
		Timeout:      cfg.Issuance.Timeout,
		SingleFlight: cfg.Issuance.SingleFlight,
		Policy:       rules.New(cfg.Issuance.Mode, cfg.Issuance.AllowList),
		Stats:        stats,
		Log:          log,
	}
	if store != nil {
		opts.Publisher = truststore.NewPublisher(store, log)
	}
	loader := newLoader(cfg, log)
	return resolver.New(loader, newGenerator(cfg, log), opts), loader, store, nil
}
