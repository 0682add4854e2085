package config

import (
	"crypto/tls"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTLSVersion(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected TLSVersion
		wantErr  bool
	}{
		{name: "empty string defaults to TLS 1.2", input: "", expected: TLSVersion12},
		{name: "valid TLS 1.2", input: "1.2", expected: TLSVersion12},
		{name: "valid TLS 1.3", input: " 1.3 ", expected: TLSVersion13},
		{name: "TLS 1.1 is refused", input: "1.1", wantErr: true},
		{name: "invalid version", input: "2.0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseTLSVersion(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestTLSConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		config    TLSConfig
		wantField string
	}{
		{name: "disabled TLS is valid", config: TLSConfig{}},
		{
			name:   "enabled TLS with cert and key is valid",
			config: TLSConfig{Enabled: true, CertFile: "/path/to/cert.pem", KeyFile: "/path/to/key.pem"},
		},
		{
			name:      "missing cert",
			config:    TLSConfig{Enabled: true, KeyFile: "/path/to/key.pem"},
			wantField: "cert_file",
		},
		{
			name:      "bad min version",
			config:    TLSConfig{Enabled: true, CertFile: "c", KeyFile: "k", MinVersion: "1.0"},
			wantField: "min_version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantField == "" {
				require.NoError(t, err)
				return
			}
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.wantField, cfgErr.Field)
			assert.NotEmpty(t, cfgErr.Suggestions)
		})
	}
}

func TestServerTLS(t *testing.T) {
	assert.Equal(t, uint16(tls.VersionTLS12), (&TLSConfig{}).ServerTLS().MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), (&TLSConfig{MinVersion: "1.3"}).ServerTLS().MinVersion)
}
