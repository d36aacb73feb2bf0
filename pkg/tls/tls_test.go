// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/absmach/fluxsub/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadClientConfig_Defaults(t *testing.T) {
	cfg, err := LoadClientConfig(Config{})
	require.NoError(t, err)
	assert.Nil(t, cfg.RootCAs)
	assert.Empty(t, cfg.Certificates)
	assert.Equal(t, "TLS", SecurityStatus(cfg))
	assert.Equal(t, "no TLS", SecurityStatus(nil))
}

func TestLoadClientConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))

	cases := []struct {
		name string
		cfg  Config
		err  error
	}{
		{name: "cert without key", cfg: Config{CertFile: "client.pem"}, err: errMissingKey},
		{name: "missing key pair", cfg: Config{CertFile: filepath.Join(dir, "c.pem"), KeyFile: filepath.Join(dir, "k.pem")}, err: errLoadCerts},
		{name: "missing ca file", cfg: Config{CAFile: filepath.Join(dir, "missing.pem")}, err: errLoadCA},
		{name: "invalid ca", cfg: Config{CAFile: garbage}, err: errAppendCA},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadClientConfig(tc.cfg)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestFromBroker(t *testing.T) {
	c := FromBroker(config.BrokerConfig{TLSCAFile: "ca", TLSCertFile: "cert", TLSKeyFile: "key"})
	assert.Equal(t, Config{CAFile: "ca", CertFile: "cert", KeyFile: "key"}, c)
}

func TestFromServer(t *testing.T) {
	c := FromServer(config.ServerConfig{OtelTLSCAFile: "ca", OtelTLSCertFile: "cert", OtelTLSKeyFile: "key"})
	assert.Equal(t, Config{CAFile: "ca", CertFile: "cert", KeyFile: "key"}, c)
}
