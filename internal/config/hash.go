package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const checksumsFile = ".checksums"

// ChecksumManifest is the on-disk format of a .checksums file.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// Lock writes a .checksums manifest next to the config file covering it.
func Lock(configPath string) (*ChecksumManifest, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	hash, err := ComputeBlake3Hash(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", filepath.Base(absPath), err)
	}

	manifest := &ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      map[string]string{filepath.Base(absPath): hash},
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}

	// Restrictive permissions: the manifest holds the expected hashes.
	if err := os.WriteFile(filepath.Join(filepath.Dir(absPath), checksumsFile), data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	return manifest, nil
}

// LoadChecksums reads the .checksums file from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, checksumsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'bigstream config lock'): %w", err)
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}

	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}

	return &manifest, nil
}

// verifyConfigHash checks the config file against a sibling .checksums
// manifest. A missing manifest skips verification.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: bigstream config lock --config %s", basename, dir, path)
	}

	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: bigstream config lock --config %s", path, err, path)
	}
	return nil
}

// Fingerprint returns a short BLAKE3 digest of a resolved option map.
// Keys are sorted by encoding/json, so equal maps fingerprint equally.
func Fingerprint(opts map[string]any) string {
	data, err := json.Marshal(opts)
	if err != nil {
		data = fmt.Appendf(nil, "%v", opts)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
