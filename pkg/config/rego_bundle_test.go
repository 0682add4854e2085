package config

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bundlePolicy = `package defense

result := {"score": 10}
`

func TestRegoBundleLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "plain.rego", bundlePolicy)

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write([]byte(bundlePolicy))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	writeFile(t, dir, "packed.rego.gz", gz.String())

	writeFile(t, dir, "encoded.rego.b64", base64.StdEncoding.EncodeToString([]byte(bundlePolicy))+"\n")

	digest := sha256.Sum256([]byte(bundlePolicy))
	bundle := &RegoBundle{
		Path:     dir,
		Defenses: []string{"keyword_filter"},
		Modules: []RegoModuleArtifact{
			{Name: "plain", Path: "plain.rego", SHA256: "sha256:" + hex.EncodeToString(digest[:])},
			{Name: "packed", Path: "packed.rego.gz", Compression: "gzip"},
			{Name: "encoded", Path: "encoded.rego.b64", Encoding: "base64"},
		},
	}

	modules, err := bundle.Load()
	require.NoError(t, err)
	require.Len(t, modules, 3)
	for name, src := range modules {
		assert.Equal(t, bundlePolicy, src, name)
	}
}

func TestRegoBundleErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "policy.rego", bundlePolicy)
	writeFile(t, dir, "empty.rego", "")

	tests := []struct {
		name    string
		bundle  RegoBundle
		wantErr string
	}{
		{
			name:    "no defenses",
			bundle:  RegoBundle{Modules: []RegoModuleArtifact{{Name: "a", Path: "a.rego"}}},
			wantErr: "overrides no defenses",
		},
		{
			name: "duplicate module",
			bundle: RegoBundle{Defenses: []string{"geoip"}, Modules: []RegoModuleArtifact{
				{Name: "a", Path: "a.rego"}, {Name: "A", Path: "b.rego"},
			}},
			wantErr: "duplicate module name",
		},
		{
			name: "checksum mismatch",
			bundle: RegoBundle{Path: dir, Defenses: []string{"geoip"}, Modules: []RegoModuleArtifact{
				{Name: "p", Path: "policy.rego", SHA256: "deadbeef"},
			}},
			wantErr: "checksum mismatch",
		},
		{
			name: "empty artifact",
			bundle: RegoBundle{Path: dir, Defenses: []string{"geoip"}, Modules: []RegoModuleArtifact{
				{Name: "e", Path: "empty.rego"},
			}},
			wantErr: "artifact is empty",
		},
		{
			name: "size limit",
			bundle: RegoBundle{Path: dir, SizeLimit: 8, Defenses: []string{"geoip"}, Modules: []RegoModuleArtifact{
				{Name: "p", Path: "policy.rego"},
			}},
			wantErr: "exceeds size limit",
		},
		{
			name: "unsupported compression",
			bundle: RegoBundle{Path: dir, Defenses: []string{"geoip"}, Modules: []RegoModuleArtifact{
				{Name: "p", Path: "policy.rego", Compression: "zstd"},
			}},
			wantErr: "unsupported compression",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.bundle.Load()
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
