package build

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/forgehub/forge/internal/forgeerr"
	"github.com/forgehub/forge/internal/instruction"
)

// baseImageTarball resolves a FROM reference to a locally preloaded base
// image tarball. Per spec.md §9's open question ("Base image provenance"),
// this version treats every FROM reference as a tarball the operator has
// already placed in the store's base image directory — no registry pull is
// implemented.
func (b *Builder) baseImageTarball(ref string) (string, error) {
	path := b.store.BaseImagePath(ref)
	if _, err := os.Stat(path); err != nil {
		return "", forgeerr.New(forgeerr.BuildExec, "resolve FROM "+ref,
			fmt.Errorf("no preloaded base image tarball at %s: %w", path, err))
	}
	return path, nil
}

// execFrom materializes the base image into rootfsDir.
func (b *Builder) execFrom(instr instruction.Instruction, rootfsDir string) error {
	tarball, err := b.baseImageTarball(instr.Image)
	if err != nil {
		return err
	}
	if err := extractTarGz(tarball, rootfsDir); err != nil {
		return forgeerr.New(forgeerr.BuildExec, "extract base image", err)
	}
	return nil
}

// execCopy resolves src against the build context and copies it into
// rootfsDir at dest, creating dest's parent directory if needed.
func execCopy(contextDir, rootfsDir string, instr instruction.Instruction) error {
	src := filepath.Join(contextDir, instr.Src)
	dest := filepath.Join(rootfsDir, instr.Dest)

	info, err := os.Stat(src)
	if err != nil {
		return forgeerr.New(forgeerr.BuildExec, "stat COPY source", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return forgeerr.New(forgeerr.BuildExec, "mkdir COPY destination parent", err)
	}

	if info.IsDir() {
		if err := copyDir(src, dest); err != nil {
			return forgeerr.New(forgeerr.BuildExec, "copy directory", err)
		}
		return nil
	}
	if err := copyFile(src, dest, info.Mode()); err != nil {
		return forgeerr.New(forgeerr.BuildExec, "copy file", err)
	}
	return nil
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}

func copyDir(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

// execRun copies the host's resolv.conf into the build rootfs (so package
// managers can resolve DNS) and then chroots into it to run the instruction
// command via /bin/sh -c, per spec.md §4.6's "Why chroot at build but
// pivot_root at run" rationale.
func execRun(rootfsDir string, instr instruction.Instruction) error {
	if err := copyResolvConf(rootfsDir); err != nil {
		return forgeerr.New(forgeerr.BuildExec, "copy resolv.conf", err)
	}

	absRootfs, err := filepath.Abs(rootfsDir)
	if err != nil {
		return forgeerr.New(forgeerr.BuildExec, "resolve rootfs path", err)
	}

	cmd := exec.Command("/bin/sh", "-c", instr.Command)
	cmd.Dir = "/"
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Chroot: absRootfs}

	if err := cmd.Run(); err != nil {
		return forgeerr.New(forgeerr.BuildExec, "RUN "+instr.Command, err)
	}
	return nil
}

func copyResolvConf(rootfsDir string) error {
	data, err := os.ReadFile("/etc/resolv.conf")
	if err != nil {
		// No host resolv.conf (e.g. a minimal build sandbox) isn't fatal;
		// RUN steps that need DNS will fail on their own.
		return nil
	}
	etcDir := filepath.Join(rootfsDir, "etc")
	if err := os.MkdirAll(etcDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(etcDir, "resolv.conf"), data, 0o644)
}
