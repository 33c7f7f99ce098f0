package cgroups

import (
	"os"
	"path/filepath"
	"testing"
)

// These tests exercise the pure file-writing logic (writeLimit, Attach,
// AttachSelf, Teardown) against a temp directory standing in for cgroupfs,
// since /sys/fs/cgroup itself isn't writable outside a real container host.
// Create() is not exercised; Detect() is only checked to return a known
// version.

func TestWriteLimitWritesValue(t *testing.T) {
	dir := t.TempDir()
	if err := writeLimit(dir, "pids.max", "100"); err != nil {
		t.Fatalf("writeLimit() error = %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "pids.max"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "100" {
		t.Fatalf("got %q, want %q", got, "100")
	}
}

func TestCgroupAttachWritesEveryDir(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	cg := &Cgroup{Name: "forge-test", Version: V1, dirs: []string{dirA, dirB}}

	if err := cg.Attach(4242); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	for _, dir := range []string{dirA, dirB} {
		got, err := os.ReadFile(filepath.Join(dir, "cgroup.procs"))
		if err != nil {
			t.Fatalf("read cgroup.procs in %s: %v", dir, err)
		}
		if string(got) != "4242" {
			t.Fatalf("%s: got %q, want 4242", dir, got)
		}
	}
}

func TestAttachSelfWritesZeroToEveryDir(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()

	if err := AttachSelf([]string{dirA, dirB}); err != nil {
		t.Fatalf("AttachSelf() error = %v", err)
	}
	for _, dir := range []string{dirA, dirB} {
		got, err := os.ReadFile(filepath.Join(dir, "cgroup.procs"))
		if err != nil {
			t.Fatalf("read cgroup.procs in %s: %v", dir, err)
		}
		if string(got) != "0" {
			t.Fatalf("%s: got %q, want the self sentinel \"0\"", dir, got)
		}
	}
}

func TestCgroupDirsReturnsStoredDirs(t *testing.T) {
	dirs := []string{"/sys/fs/cgroup/forge-test/cpu", "/sys/fs/cgroup/forge-test/memory"}
	cg := &Cgroup{Name: "forge-test", Version: V1, dirs: dirs}

	got := cg.Dirs()
	if len(got) != len(dirs) || got[0] != dirs[0] || got[1] != dirs[1] {
		t.Fatalf("Dirs() = %v, want %v", got, dirs)
	}
}

func TestCgroupTeardownRemovesDirs(t *testing.T) {
	dirA := filepath.Join(t.TempDir(), "forge-x")
	if err := os.MkdirAll(dirA, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cg := &Cgroup{Name: "forge-x", Version: V2, dirs: []string{dirA}}

	if err := cg.Teardown(); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	if _, err := os.Stat(dirA); !os.IsNotExist(err) {
		t.Fatalf("expected %s to be removed, stat err = %v", dirA, err)
	}
}

func TestDetectReturnsAVersion(t *testing.T) {
	// Whatever the host provides, Detect must return one of the two
	// known versions without panicking.
	switch Detect() {
	case V1, V2:
	default:
		t.Fatal("Detect() returned unknown version")
	}
}
