package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"

	"github.com/CDLUC3/naanreg/internal/validation"
)

// ManifestVersion identifies the snapshot manifest layout.
const ManifestVersion = "1.0"

// ManifestName is the manifest entry name inside a snapshot archive.
const ManifestName = "manifest.json"

// Manifest describes the contents of a registry snapshot archive.
type Manifest struct {
	Version   string       `json:"version"`
	CreatedAt string       `json:"created_at"`
	Files     []FileDigest `json:"files"`
}

// FileDigest records the size and content digests of one archived file.
type FileDigest struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
	Blake3 string `json:"blake3"`
}

func digestFile(name string, data []byte) FileDigest {
	sha := sha256.Sum256(data)
	b3 := blake3.Sum256(data)
	return FileDigest{
		Name:   name,
		Size:   int64(len(data)),
		SHA256: hex.EncodeToString(sha[:]),
		Blake3: hex.EncodeToString(b3[:]),
	}
}

func (d FileDigest) verify(data []byte) error {
	got := digestFile(d.Name, data)
	if got.Size != d.Size {
		return fmt.Errorf("%s: size %d does not match manifest %d", d.Name, got.Size, d.Size)
	}
	if got.SHA256 != d.SHA256 {
		return fmt.Errorf("%s: sha256 digest does not match manifest", d.Name)
	}
	if got.Blake3 != d.Blake3 {
		return fmt.Errorf("%s: blake3 digest does not match manifest", d.Name)
	}
	return nil
}

// WriteSnapshot archives the store file at storePath into dstPath, preceded
// by a manifest with its digests. The destination suffix selects the
// compression: .tar.gz or .tar.xz.
func WriteSnapshot(storePath, dstPath string) (*Manifest, error) {
	data, err := os.ReadFile(storePath)
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	manifest := &Manifest{
		Version:   ManifestVersion,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Files:     []FileDigest{digestFile(filepath.Base(storePath), data)},
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	out, err := os.Create(dstPath)
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	defer out.Close()

	var compressor io.WriteCloser
	switch {
	case strings.HasSuffix(dstPath, ".tar.xz"):
		compressor, err = xz.NewWriter(out)
		if err != nil {
			return nil, fmt.Errorf("xz writer: %w", err)
		}
	case strings.HasSuffix(dstPath, ".tar.gz"):
		compressor = gzip.NewWriter(out)
	default:
		return nil, fmt.Errorf("unsupported archive format: %s", dstPath)
	}

	tw := tar.NewWriter(compressor)
	now := time.Now()
	entries := []struct {
		name string
		data []byte
	}{
		{name: ManifestName, data: manifestData},
		{name: filepath.Base(storePath), data: data},
	}
	for _, e := range entries {
		hdr := &tar.Header{
			Name:    e.name,
			Mode:    0o644,
			Size:    int64(len(e.data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write header %s: %w", e.name, err)
		}
		if _, err := tw.Write(e.data); err != nil {
			return nil, fmt.Errorf("write entry %s: %w", e.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return nil, fmt.Errorf("close compressor: %w", err)
	}
	return manifest, nil
}

// ReadManifest returns the manifest of a snapshot archive.
func ReadManifest(archivePath string) (*Manifest, error) {
	raw, err := ReadFile(archivePath, ManifestName)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &manifest, nil
}

// RestoreSnapshot extracts the archived files into destDir after verifying
// each against the manifest digests. A digest mismatch aborts the restore.
func RestoreSnapshot(archivePath, destDir string) (*Manifest, error) {
	manifest, err := ReadManifest(archivePath)
	if err != nil {
		return nil, err
	}
	digests := make(map[string]FileDigest, len(manifest.Files))
	for _, d := range manifest.Files {
		digests[d.Name] = d
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create destination: %w", err)
	}
	err = IterateSnapshot(archivePath, func(header *tar.Header, r io.Reader) (bool, error) {
		if header.Name == ManifestName || header.Typeflag == tar.TypeDir {
			return false, nil
		}
		if header.Size > validation.MaxFileSize {
			return true, fmt.Errorf("%s: exceeds the %d byte file limit", header.Name, validation.MaxFileSize)
		}
		name := filepath.Base(header.Name)
		if err := validation.ValidateFilename(name); err != nil {
			return true, fmt.Errorf("%s: %w", header.Name, err)
		}
		if !validation.IsPathSafe(destDir, name) {
			return true, fmt.Errorf("%s: escapes the restore directory", header.Name)
		}
		digest, ok := digests[name]
		if !ok {
			return true, fmt.Errorf("%s: not listed in snapshot manifest", name)
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, r); err != nil {
			return true, fmt.Errorf("read %s: %w", name, err)
		}
		if err := digest.verify(buf.Bytes()); err != nil {
			return true, err
		}
		if err := os.WriteFile(filepath.Join(destDir, name), buf.Bytes(), 0o644); err != nil {
			return true, fmt.Errorf("write %s: %w", name, err)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return manifest, nil
}
