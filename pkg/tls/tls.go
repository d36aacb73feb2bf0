// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"

	"github.com/absmach/fluxsub/config"
)

var (
	errLoadCerts  = errors.New("failed to load certificates")
	errLoadCA     = errors.New("failed to load CA")
	errAppendCA   = errors.New("failed to append root ca tls.Config")
	errMissingKey = errors.New("client certificate and key must be set together")
)

// Config holds client TLS file locations.
type Config struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// FromBroker extracts the TLS settings of a broker config.
func FromBroker(c config.BrokerConfig) Config {
	return Config{
		CAFile:   c.TLSCAFile,
		CertFile: c.TLSCertFile,
		KeyFile:  c.TLSKeyFile,
	}
}

// FromServer extracts the TLS settings of the OTLP exporters.
func FromServer(c config.ServerConfig) Config {
	return Config{
		CAFile:   c.OtelTLSCAFile,
		CertFile: c.OtelTLSCertFile,
		KeyFile:  c.OtelTLSKeyFile,
	}
}

// LoadClientConfig returns a client TLS configuration. The system roots are
// used when no CA file is set; a client certificate is presented when both
// certificate and key are set.
func LoadClientConfig(c Config) (*tls.Config, error) {
	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if (c.CertFile == "") != (c.KeyFile == "") {
		return nil, errMissingKey
	}
	if c.CertFile != "" {
		certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Join(errLoadCerts, err)
		}
		config.Certificates = []tls.Certificate{certificate}
	}

	rootCA, err := loadCertFile(c.CAFile)
	if err != nil {
		return nil, errors.Join(errLoadCA, err)
	}
	if len(rootCA) > 0 {
		config.RootCAs = x509.NewCertPool()
		if !config.RootCAs.AppendCertsFromPEM(rootCA) {
			return nil, errAppendCA
		}
	}

	return config, nil
}

// SecurityStatus returns log message from TLS config.
func SecurityStatus(c *tls.Config) string {
	if c == nil {
		return "no TLS"
	}
	ret := "TLS"
	if len(c.Certificates) > 0 {
		ret += " with client certificate"
	}
	if c.RootCAs != nil {
		ret += " and custom CA"
	}
	return ret
}

func loadCertFile(certFile string) ([]byte, error) {
	if certFile != "" {
		return os.ReadFile(certFile)
	}
	return []byte{}, nil
}
