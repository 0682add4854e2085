package config

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const defaultBundleSizeLimit = 8 << 20 // 8 MiB

// RegoBundle describes the Rego modules that back operator-defined defenses.
type RegoBundle struct {
	// Path is the base directory of relative module paths.
	Path      string `yaml:"path"`
	Query     string `yaml:"query"`
	SizeLimit int64  `yaml:"size_limit"`
	// Defenses lists the defense types the Rego capability replaces.
	Defenses []string             `yaml:"defenses"`
	Modules  []RegoModuleArtifact `yaml:"modules"`
}

// RegoModuleArtifact declares how to retrieve one module.
type RegoModuleArtifact struct {
	Name        string `yaml:"name"`
	Path        string `yaml:"path"`
	Encoding    string `yaml:"encoding"`
	Compression string `yaml:"compression"`
	SHA256      string `yaml:"sha256"`
}

// Validate ensures the bundle is well formed before loading.
func (b *RegoBundle) Validate() error {
	if len(b.Defenses) == 0 {
		return errors.New("rego bundle overrides no defenses")
	}
	if len(b.Modules) == 0 {
		return errors.New("rego bundle defines no modules")
	}
	seen := make(map[string]struct{}, len(b.Modules))
	for _, m := range b.Modules {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return errors.New("rego bundle: module name is required")
		}
		if strings.TrimSpace(m.Path) == "" {
			return fmt.Errorf("rego bundle: module %s requires path", m.Name)
		}
		key := strings.ToLower(name)
		if _, exists := seen[key]; exists {
			return fmt.Errorf("rego bundle: duplicate module name %s", m.Name)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func (b *RegoBundle) effectiveSizeLimit() int64 {
	if b.SizeLimit > 0 {
		return b.SizeLimit
	}
	return defaultBundleSizeLimit
}

// Load reads, verifies and decodes every module, returning name → source.
func (b *RegoBundle) Load() (map[string]string, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	limit := b.effectiveSizeLimit()
	base := strings.TrimSpace(b.Path)

	modules := make(map[string]string, len(b.Modules))
	for _, m := range b.Modules {
		path := m.Path
		if !filepath.IsAbs(path) && base != "" {
			path = filepath.Join(base, path)
		}
		data, err := readArtifact(filepath.Clean(path), limit, m.SHA256)
		if err != nil {
			return nil, fmt.Errorf("load module %s: %w", m.Name, err)
		}
		src, err := materialize(data, m, limit)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", m.Name, err)
		}
		modules[strings.TrimSpace(m.Name)] = string(src)
	}
	return modules, nil
}

func readArtifact(path string, limit int64, expectedDigest string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("artifact path is empty")
	}

	file, err := os.Open(path) //nolint:gosec // G304: path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if info.Size() == 0 {
		return nil, errors.New("artifact is empty")
	}
	if limit > 0 && info.Size() > limit {
		return nil, fmt.Errorf("artifact exceeds size limit (%d bytes)", limit)
	}

	data, err := io.ReadAll(io.LimitReader(file, limit))
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if err := verifyDigest(expectedDigest, computeSHA256Hex(data)); err != nil {
		return nil, err
	}
	return data, nil
}

func computeSHA256Hex(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

func verifyDigest(expected, actual string) error {
	if strings.TrimSpace(expected) == "" {
		return nil
	}
	normalized := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(expected)), "sha256:")
	if normalized != actual {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", normalized, actual)
	}
	return nil
}

func materialize(data []byte, m RegoModuleArtifact, limit int64) ([]byte, error) {
	switch strings.TrimSpace(strings.ToLower(m.Compression)) {
	case "", "none":
	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decompress gzip: %w", err)
		}
		defer func() { _ = reader.Close() }()
		decompressed, err := io.ReadAll(io.LimitReader(reader, limit))
		if err != nil {
			return nil, fmt.Errorf("read gzip: %w", err)
		}
		data = decompressed
	default:
		return nil, fmt.Errorf("unsupported compression %q", m.Compression)
	}

	switch strings.TrimSpace(strings.ToLower(m.Encoding)) {
	case "", "none", "text":
	case "base64":
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(decoded, bytes.TrimSpace(data))
		if err != nil {
			return nil, fmt.Errorf("decode base64: %w", err)
		}
		data = decoded[:n]
	default:
		return nil, fmt.Errorf("unsupported encoding %q", m.Encoding)
	}
	return data, nil
}
