// Package rootfs implements the filesystem setup described in spec.md
// §4.2: the standard directory skeleton, host binary provisioning for
// non-image launches, volume bind mounts, the six-step pivot_root
// sequence, and the post-pivot virtual filesystem mounts.
//
// Grounded on gocker's runChildProcess (other_examples/869924b2) for the
// chdir/pivot/chdir/mount-proc shape, generalized from gocker's chroot-only
// approach to spec.md's full pivot_root + old_root unmount sequence, and on
// toy-docker's init.go volume-mount loop for the pre-pivot bind mounts.
package rootfs

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/forgehub/forge/internal/forgeerr"
	"github.com/forgehub/forge/internal/logging"
	"github.com/forgehub/forge/internal/network"
)

var log = logging.For("rootfs", "fs")

// skeleton is the standard directory set created if missing, per spec.md
// §4.2.
var skeleton = []string{
	"bin", "sbin", "lib", "lib64",
	"usr/bin", "usr/sbin", "usr/lib",
	"etc", "root", "home", "proc", "sys", "dev", "tmp", "var", "run",
	"old_root",
}

// essentialBinaries is the hard-coded minimum binary set non-image launches
// provision, per spec.md §4.2.
var essentialBinaries = []string{
	"/bin/sh", "/bin/ls", "/bin/cat", "/bin/ps", "/sbin/ip", "/sbin/iptables",
}

// EnsureSkeleton creates the standard directory set under rootfs if
// missing.
func EnsureSkeleton(rootfsPath string) error {
	for _, dir := range skeleton {
		if err := os.MkdirAll(filepath.Join(rootfsPath, dir), 0o755); err != nil {
			return forgeerr.New(forgeerr.Pivot, "mkdir skeleton "+dir, err)
		}
	}
	return nil
}

// ProvisionBinaries copies the essential binary set into rootfs/bin (which
// EnsureSkeleton creates) and their shared library dependencies, discovered
// via ldd, to their host paths under rootfs, for non-image launches only —
// image launches skip this since layers already provide binaries.
func ProvisionBinaries(rootfsPath string) error {
	for _, bin := range essentialBinaries {
		info, err := os.Stat(bin)
		if err != nil {
			log.WithField("binary", bin).Warn("essential binary missing on host, skipping")
			continue
		}
		data, err := os.ReadFile(bin)
		if err != nil {
			return forgeerr.New(forgeerr.Pivot, "read binary "+bin, err)
		}
		if err := os.WriteFile(filepath.Join(rootfsPath, "bin", filepath.Base(bin)), data, info.Mode()); err != nil {
			return forgeerr.New(forgeerr.Pivot, "copy binary "+bin, err)
		}
		libs, err := lddDeps(bin)
		if err != nil {
			log.WithError(err).Warnf("ldd %s failed, continuing without its shared libs", bin)
			continue
		}
		for _, lib := range libs {
			if err := copyPreservingPath(lib, rootfsPath); err != nil {
				return forgeerr.New(forgeerr.Pivot, "copy shared lib "+lib, err)
			}
		}
	}
	return nil
}

// lddDeps runs ldd on bin and returns the absolute host paths of every
// shared object it requires.
func lddDeps(bin string) ([]string, error) {
	out, err := exec.Command("ldd", bin).CombinedOutput()
	if err != nil {
		// Statically linked binaries make ldd exit non-zero; that's not
		// fatal, just means there's nothing to copy.
		return nil, nil
	}

	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		for _, f := range fields {
			if strings.HasPrefix(f, "/") {
				if _, err := os.Stat(f); err == nil {
					paths = append(paths, f)
				}
			}
		}
	}
	return paths, nil
}

// copyPreservingPath copies the host file at src into rootfs at the same
// absolute path, creating parent directories as needed.
func copyPreservingPath(src, rootfsPath string) error {
	dst := filepath.Join(rootfsPath, src)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", dst, err)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, info.Mode()); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// MountVolumes bind-mounts each requested volume into rootfs, per the
// expanded spec's §4.2 addition. Must run before Pivot.
func MountVolumes(rootfsPath string, volumes []network.VolumeMount) error {
	for _, v := range volumes {
		dst := filepath.Join(rootfsPath, v.ContainerPath)
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return forgeerr.New(forgeerr.Pivot, "mkdir volume target", err)
		}
		if err := unix.Mount(v.HostPath, dst, "", unix.MS_BIND, ""); err != nil {
			return forgeerr.New(forgeerr.Pivot, fmt.Sprintf("bind mount %s -> %s", v.HostPath, dst), err)
		}
		log.Infof("mounted volume %s -> %s", v.HostPath, dst)
	}
	return nil
}

// Pivot performs the six-step pivot sequence of spec.md §4.2 and the
// post-pivot virtual filesystem mounts. Must run inside the child after it
// has unshared the mount namespace.
func Pivot(rootfsPath string) error {
	if err := os.Chdir(rootfsPath); err != nil {
		return forgeerr.New(forgeerr.Pivot, "chdir rootfs", err)
	}

	oldRoot := "./old_root"
	if err := os.MkdirAll(oldRoot, 0o700); err != nil {
		return forgeerr.New(forgeerr.Pivot, "mkdir old_root", err)
	}

	if err := unix.PivotRoot(".", oldRoot); err != nil {
		return forgeerr.New(forgeerr.Pivot, "pivot_root", err)
	}

	if err := os.Chdir("/"); err != nil {
		return forgeerr.New(forgeerr.Pivot, "chdir /", err)
	}

	if err := unix.Unmount("/old_root", unix.MNT_DETACH); err != nil {
		log.WithError(err).Warn("unmount old_root failed")
	}
	if err := os.Remove("/old_root"); err != nil {
		log.WithError(err).Warn("rmdir old_root failed")
	}

	mountVirtualFilesystems()
	return nil
}

// mountVirtualFilesystems mounts proc, sysfs, and tmpfs targets. Errors are
// logged and tolerated, per spec.md §4.2 ("some are non-essential").
func mountVirtualFilesystems() {
	type mnt struct {
		source, target, fstype string
	}
	for _, m := range []mnt{
		{"proc", "/proc", "proc"},
		{"sysfs", "/sys", "sysfs"},
		{"tmpfs", "/dev", "tmpfs"},
		{"tmpfs", "/tmp", "tmpfs"},
	} {
		if err := unix.Mount(m.source, m.target, m.fstype, 0, ""); err != nil {
			log.WithError(err).Warnf("mount %s on %s failed", m.fstype, m.target)
		}
	}
}
