package build

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgehub/forge/internal/instruction"
	"github.com/forgehub/forge/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	return s
}

// writeBaseImage writes a minimal gzipped tarball containing a single file
// at the store's expected base-image path for ref.
func writeBaseImage(t *testing.T, s *store.Store, ref string, files map[string]string) {
	t.Helper()
	path := s.BaseImagePath(ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir base image dir: %v", err)
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create base image: %v", err)
	}
	defer f.Close()
	gw := gzip.NewWriter(f)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write tar content: %v", err)
		}
	}
}

func writeContextFile(t *testing.T, contextDir, name, content string) {
	t.Helper()
	path := filepath.Join(contextDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir context subdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write context file: %v", err)
	}
}

// S1-shaped Forgefile, minus RUN (which needs chroot/root and is exercised
// only in integration, per spec.md §8's property/scenario split).
func helloForgefile(contextDir string) *instruction.Forgefile {
	return &instruction.Forgefile{
		ContextDir: contextDir,
		Instructions: []instruction.Instruction{
			{Verb: instruction.From, Image: "alpine:3.19"},
			{Verb: instruction.Entrypoint, Args: []string{"echo", "hi"}},
		},
	}
}

func TestBuildForgefileWritesManifestAndConfig(t *testing.T) {
	s := openTestStore(t)
	writeBaseImage(t, s, "alpine:3.19", map[string]string{"etc/hostname": "base\n"})

	b := New(s)
	ctx := t.TempDir()
	if err := b.BuildForgefile(helloForgefile(ctx), "t", "1"); err != nil {
		t.Fatalf("BuildForgefile() error = %v", err)
	}

	m, err := s.LoadManifest("t", "1")
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if len(m.Layers) != 1 {
		t.Fatalf("expected 1 layer (FROM only; ENTRYPOINT is config-only), got %d", len(m.Layers))
	}

	cfg, err := s.LoadConfig("t", "1")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if len(cfg.Entrypoint) != 2 || cfg.Entrypoint[0] != "echo" || cfg.Entrypoint[1] != "hi" {
		t.Fatalf("entrypoint = %v, want [echo hi]", cfg.Entrypoint)
	}
}

// Property 12 (first half): an unchanged Forgefile and context produce
// identical layer digests in identical order on a repeat build.
func TestBuildTwiceUnchangedProducesIdenticalLayers(t *testing.T) {
	s := openTestStore(t)
	writeBaseImage(t, s, "alpine:3.19", map[string]string{"etc/hostname": "base\n"})
	ctx := t.TempDir()
	writeContextFile(t, ctx, "app.py", "print('hi')\n")

	ff := &instruction.Forgefile{
		ContextDir: ctx,
		Instructions: []instruction.Instruction{
			{Verb: instruction.From, Image: "alpine:3.19"},
			{Verb: instruction.Copy, Src: "app.py", Dest: "/app/app.py"},
		},
	}

	b := New(s)
	if err := b.BuildForgefile(ff, "t", "1"); err != nil {
		t.Fatalf("first build error = %v", err)
	}
	m1, err := s.LoadManifest("t", "1")
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}

	if err := b.BuildForgefile(ff, "t", "2"); err != nil {
		t.Fatalf("second build error = %v", err)
	}
	m2, err := s.LoadManifest("t", "2")
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}

	if len(m1.Layers) != len(m2.Layers) {
		t.Fatalf("layer count differs: %d vs %d", len(m1.Layers), len(m2.Layers))
	}
	for i := range m1.Layers {
		if m1.Layers[i] != m2.Layers[i] {
			t.Fatalf("layer %d digest differs: %s vs %s", i, m1.Layers[i], m2.Layers[i])
		}
	}
}

// Property 12 (second half) / scenario S3: changing a COPY source changes
// only that instruction's layer and everything after it; earlier layers
// keep their digests.
func TestChangingCopySourceInvalidatesOnlyFromThatLayerOn(t *testing.T) {
	s := openTestStore(t)
	writeBaseImage(t, s, "alpine:3.19", map[string]string{"etc/hostname": "base\n"})
	ctx := t.TempDir()
	writeContextFile(t, ctx, "unrelated.txt", "does not change\n")
	writeContextFile(t, ctx, "app.py", "print('v1')\n")

	ff := func() *instruction.Forgefile {
		return &instruction.Forgefile{
			ContextDir: ctx,
			Instructions: []instruction.Instruction{
				{Verb: instruction.From, Image: "alpine:3.19"},
				{Verb: instruction.Copy, Src: "unrelated.txt", Dest: "/unrelated.txt"},
				{Verb: instruction.Copy, Src: "app.py", Dest: "/app/app.py"},
			},
		}
	}

	b := New(s)
	if err := b.BuildForgefile(ff(), "t", "1"); err != nil {
		t.Fatalf("first build error = %v", err)
	}
	before, err := s.LoadManifest("t", "1")
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}

	writeContextFile(t, ctx, "app.py", "print('v2')\n")

	if err := b.BuildForgefile(ff(), "t", "2"); err != nil {
		t.Fatalf("second build error = %v", err)
	}
	after, err := s.LoadManifest("t", "2")
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}

	if len(before.Layers) != 3 || len(after.Layers) != 3 {
		t.Fatalf("expected 3 layers each, got %d and %d", len(before.Layers), len(after.Layers))
	}
	if before.Layers[0] != after.Layers[0] {
		t.Fatalf("FROM layer digest changed: %s vs %s", before.Layers[0], after.Layers[0])
	}
	if before.Layers[1] != after.Layers[1] {
		t.Fatalf("unrelated COPY layer digest changed: %s vs %s", before.Layers[1], after.Layers[1])
	}
	if before.Layers[2] == after.Layers[2] {
		t.Fatal("app.py COPY layer digest did not change after content edit")
	}
}

// Property 13: changing a byte of a COPY source changes the cache key for
// that instruction (exercised indirectly above via layer digest) and
// directly here via the hash the builder folds into the chain.
func TestInstrHashChangesWithCopyContent(t *testing.T) {
	s := openTestStore(t)
	ctx := t.TempDir()
	writeContextFile(t, ctx, "data.txt", "version A")

	b := New(s)
	instr := instruction.Instruction{Verb: instruction.Copy, Src: "data.txt", Dest: "/data.txt"}

	h1, err := b.instrHash(ctx, instr)
	if err != nil {
		t.Fatalf("instrHash() error = %v", err)
	}

	writeContextFile(t, ctx, "data.txt", "version B")
	h2, err := b.instrHash(ctx, instr)
	if err != nil {
		t.Fatalf("instrHash() second call error = %v", err)
	}

	if h1 == h2 {
		t.Fatal("instrHash unchanged after editing COPY source content")
	}
}

// Scenario S2: a build that fails part-way must not leave a manifest for
// the target tag on disk.
func TestFailedBuildWritesNoManifest(t *testing.T) {
	s := openTestStore(t)
	// Deliberately omit writeBaseImage so FROM resolution fails.
	ff := &instruction.Forgefile{
		ContextDir: t.TempDir(),
		Instructions: []instruction.Instruction{
			{Verb: instruction.From, Image: "missing:1"},
		},
	}

	b := New(s)
	if err := b.BuildForgefile(ff, "t", "1"); err == nil {
		t.Fatal("expected build error for missing base image, got nil")
	}
	if _, err := s.LoadManifest("t", "1"); err == nil {
		t.Fatal("expected no manifest to be written after a failed build")
	}
}
