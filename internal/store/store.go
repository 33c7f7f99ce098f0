// Package store implements the content-addressed, filesystem-backed image
// store described in spec.md §4.7: layer tarballs keyed by SHA-256 digest,
// per-(name,tag) manifests and configs, and a persistent build cache index.
//
// Grounded on atomicni's pkg/ipam/store.go for the atomic write-temp-
// then-rename pattern (saveState) and advisory-lock-free single-writer
// assumption (spec.md §4.7: "Concurrent builds are not supported in-scope;
// no file locking").
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgehub/forge/internal/forgeerr"
	"github.com/forgehub/forge/internal/hashutil"
	"github.com/forgehub/forge/internal/instruction"
)

// Store is a filesystem-backed image store rooted at a directory.
type Store struct {
	root string
}

// DefaultRoot returns "~/.forge-container/images", resolving HOME the way
// spec.md §6 specifies ("HOME... to locate the default image root").
func DefaultRoot() (string, error) {
	home := os.Getenv("HOME")
	if home == "" {
		return "", errors.New("HOME is not set")
	}
	return filepath.Join(home, ".forge-container", "images"), nil
}

// Open returns a Store rooted at root, creating the directory layout if
// absent.
func Open(root string) (*Store, error) {
	for _, dir := range []string{"layers", "manifests", "base"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, forgeerr.New(forgeerr.Store, "mkdir "+dir, err)
		}
	}
	return &Store{root: root}, nil
}

func (s *Store) layersDir() string    { return filepath.Join(s.root, "layers") }
func (s *Store) manifestsDir() string { return filepath.Join(s.root, "manifests") }
func (s *Store) baseDir() string      { return filepath.Join(s.root, "base") }
func (s *Store) cacheIndexPath() string {
	return filepath.Join(s.root, "cache_index.json")
}

// BaseImagePath returns the expected on-disk path of the preloaded base
// image tarball for a FROM reference of the form "name:tag", per spec.md
// §9's resolution of the "base image provenance" open question: base
// images are locally preloaded tarballs keyed by name:tag, not pulled from
// a registry. A reference without a colon is treated as implicitly tagged
// "latest".
func (s *Store) BaseImagePath(ref string) string {
	name, tag := ref, "latest"
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		name, tag = ref[:i], ref[i+1:]
	}
	return filepath.Join(s.baseDir(), name+"_"+tag+".tar.gz")
}

// SaveLayer copies tarballPath into the store under its content digest,
// skipping the copy if it already exists. Idempotent: calling it twice with
// the same content always returns the same digest and never duplicates the
// stored file.
func (s *Store) SaveLayer(tarballPath string) (instruction.LayerDigest, error) {
	hexDigest, err := hashutil.SHA256File(tarballPath)
	if err != nil {
		return "", forgeerr.New(forgeerr.Store, "digest layer", err)
	}
	digest := instruction.LayerDigest(hashutil.LayerDigest(hexDigest))

	dst := s.GetLayerPath(digest)
	if _, err := os.Stat(dst); err == nil {
		return digest, nil
	}

	if err := copyFileAtomic(tarballPath, dst); err != nil {
		return "", forgeerr.New(forgeerr.Store, "store layer", err)
	}
	return digest, nil
}

// LayerExists reports whether a layer tarball for digest is present.
func (s *Store) LayerExists(digest instruction.LayerDigest) bool {
	_, err := os.Stat(s.GetLayerPath(digest))
	return err == nil
}

// GetLayerPath returns the on-disk path for a layer digest.
func (s *Store) GetLayerPath(digest instruction.LayerDigest) string {
	return filepath.Join(s.layersDir(), string(digest))
}

// SaveManifest atomically persists a manifest under manifests/<name>/<tag>,
// overwriting any existing manifest for that (name, tag).
func (s *Store) SaveManifest(m *instruction.Manifest) error {
	dir := filepath.Join(s.manifestsDir(), m.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return forgeerr.New(forgeerr.Store, "mkdir manifest dir", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return forgeerr.New(forgeerr.Store, "marshal manifest", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, m.Tag), data); err != nil {
		return forgeerr.New(forgeerr.Store, "write manifest", err)
	}
	return nil
}

// LoadManifest reads the manifest for (name, tag).
func (s *Store) LoadManifest(name, tag string) (*instruction.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.manifestsDir(), name, tag))
	if err != nil {
		return nil, forgeerr.New(forgeerr.Store, "read manifest", err)
	}
	var m instruction.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, forgeerr.New(forgeerr.Store, "unmarshal manifest", err)
	}
	return &m, nil
}

// SaveConfig atomically persists a config under
// manifests/<name>/<tag>.config.
func (s *Store) SaveConfig(name, tag string, c *instruction.Config) error {
	dir := filepath.Join(s.manifestsDir(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return forgeerr.New(forgeerr.Store, "mkdir config dir", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return forgeerr.New(forgeerr.Store, "marshal config", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, tag+".config"), data); err != nil {
		return forgeerr.New(forgeerr.Store, "write config", err)
	}
	return nil
}

// LoadConfig reads the config for (name, tag).
func (s *Store) LoadConfig(name, tag string) (*instruction.Config, error) {
	data, err := os.ReadFile(filepath.Join(s.manifestsDir(), name, tag+".config"))
	if err != nil {
		return nil, forgeerr.New(forgeerr.Store, "read config", err)
	}
	var c instruction.Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, forgeerr.New(forgeerr.Store, "unmarshal config", err)
	}
	return &c, nil
}

// cacheIndex is the persistent mapping from cache key to layer digest.
type cacheIndex map[string]instruction.LayerDigest

func (s *Store) loadCacheIndex() (cacheIndex, error) {
	data, err := os.ReadFile(s.cacheIndexPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cacheIndex{}, nil
		}
		return nil, fmt.Errorf("read cache index: %w", err)
	}
	idx := cacheIndex{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &idx); err != nil {
			return nil, fmt.Errorf("unmarshal cache index: %w", err)
		}
	}
	return idx, nil
}

func (s *Store) saveCacheIndex(idx cacheIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache index: %w", err)
	}
	return writeFileAtomic(s.cacheIndexPath(), data)
}

// GetCachedLayer looks up a previously-built layer digest for cacheKey.
// Returns ("", false, nil) on a clean miss.
func (s *Store) GetCachedLayer(cacheKey string) (instruction.LayerDigest, bool, error) {
	idx, err := s.loadCacheIndex()
	if err != nil {
		return "", false, forgeerr.New(forgeerr.Store, "load cache index", err)
	}
	digest, ok := idx[cacheKey]
	return digest, ok, nil
}

// CacheLayer records cacheKey -> digest in the persistent cache index.
// Entries are append-only: re-registering a key overwrites its mapping but
// no entry is ever removed except by deleting the whole index file.
func (s *Store) CacheLayer(cacheKey string, digest instruction.LayerDigest) error {
	idx, err := s.loadCacheIndex()
	if err != nil {
		return forgeerr.New(forgeerr.Store, "load cache index", err)
	}
	idx[cacheKey] = digest
	if err := s.saveCacheIndex(idx); err != nil {
		return forgeerr.New(forgeerr.Store, "save cache index", err)
	}
	return nil
}

// writeFileAtomic writes data to path via a temp-file-then-rename, fsyncing
// the temp file before rename so the write survives a crash between the two
// steps, per spec.md §4.7's atomicity invariant.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func copyFileAtomic(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	return writeFileAtomic(dst, data)
}
