package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/forgehub/forge/internal/instruction"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func writeTar(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write tar fixture: %v", err)
	}
	return path
}

// Property 10: content-addressing is idempotent.
func TestSaveLayerIdempotent(t *testing.T) {
	s := openTestStore(t)
	tmp := t.TempDir()
	tar := writeTar(t, tmp, "layer.tar", "hello layer contents")

	d1, err := s.SaveLayer(tar)
	if err != nil {
		t.Fatalf("SaveLayer() error = %v", err)
	}
	d2, err := s.SaveLayer(tar)
	if err != nil {
		t.Fatalf("SaveLayer() second call error = %v", err)
	}
	if d1 != d2 {
		t.Fatalf("digests differ: %s vs %s", d1, d2)
	}
	if !s.LayerExists(d1) {
		t.Fatal("LayerExists() = false after SaveLayer")
	}

	entries, err := os.ReadDir(s.layersDir())
	if err != nil {
		t.Fatalf("read layers dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one stored layer, got %d", len(entries))
	}
}

func TestSaveLayerDistinctContentDistinctDigest(t *testing.T) {
	s := openTestStore(t)
	tmp := t.TempDir()
	tarA := writeTar(t, tmp, "a.tar", "content A")
	tarB := writeTar(t, tmp, "b.tar", "content B")

	dA, err := s.SaveLayer(tarA)
	if err != nil {
		t.Fatalf("SaveLayer(A) error = %v", err)
	}
	dB, err := s.SaveLayer(tarB)
	if err != nil {
		t.Fatalf("SaveLayer(B) error = %v", err)
	}
	if dA == dB {
		t.Fatal("expected distinct digests for distinct content")
	}
}

// Property 11: manifest round-trip.
func TestManifestRoundTrip(t *testing.T) {
	s := openTestStore(t)
	m := &instruction.Manifest{
		Name: "demo",
		Tag:  "v1",
		Layers: []instruction.LayerDigest{
			"sha256:aaaa",
			"sha256:bbbb",
		},
	}
	if err := s.SaveManifest(m); err != nil {
		t.Fatalf("SaveManifest() error = %v", err)
	}

	got, err := s.LoadManifest("demo", "v1")
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if got.Name != m.Name || got.Tag != m.Tag || len(got.Layers) != 2 {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, m)
	}
}

func TestManifestRetagOverwrites(t *testing.T) {
	s := openTestStore(t)
	first := &instruction.Manifest{Name: "demo", Tag: "latest", Layers: []instruction.LayerDigest{"sha256:aaaa"}}
	second := &instruction.Manifest{Name: "demo", Tag: "latest", Layers: []instruction.LayerDigest{"sha256:bbbb", "sha256:cccc"}}

	if err := s.SaveManifest(first); err != nil {
		t.Fatalf("SaveManifest(first) error = %v", err)
	}
	if err := s.SaveManifest(second); err != nil {
		t.Fatalf("SaveManifest(second) error = %v", err)
	}

	got, err := s.LoadManifest("demo", "latest")
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if len(got.Layers) != 2 || got.Layers[0] != "sha256:bbbb" {
		t.Fatalf("expected overwritten manifest, got %+v", got)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	c := instruction.NewConfig()
	c.Entrypoint = []string{"python3", "app.py"}
	c.WorkingDir = "/app"

	if err := s.SaveConfig("demo", "v1", c); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}
	got, err := s.LoadConfig("demo", "v1")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if got.WorkingDir != "/app" || len(got.Entrypoint) != 2 {
		t.Fatalf("round-trip mismatch: got %+v", got)
	}
}

func TestCacheIndexGetSet(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.GetCachedLayer("cache:missing"); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}

	if err := s.CacheLayer("cache:abc", "sha256:dead"); err != nil {
		t.Fatalf("CacheLayer() error = %v", err)
	}
	digest, ok, err := s.GetCachedLayer("cache:abc")
	if err != nil {
		t.Fatalf("GetCachedLayer() error = %v", err)
	}
	if !ok || digest != "sha256:dead" {
		t.Fatalf("got digest=%q ok=%v, want sha256:dead/true", digest, ok)
	}
}

func TestCacheIndexSurvivesAcrossStoreInstances(t *testing.T) {
	root := t.TempDir()
	s1, err := Open(root)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s1.CacheLayer("cache:x", "sha256:1"); err != nil {
		t.Fatalf("CacheLayer() error = %v", err)
	}

	s2, err := Open(root)
	if err != nil {
		t.Fatalf("Open() second instance error = %v", err)
	}
	digest, ok, err := s2.GetCachedLayer("cache:x")
	if err != nil || !ok || digest != "sha256:1" {
		t.Fatalf("cache index did not persist: digest=%q ok=%v err=%v", digest, ok, err)
	}
}
