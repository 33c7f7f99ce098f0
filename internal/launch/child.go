package launch

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/forgehub/forge/internal/cgroups"
	"github.com/forgehub/forge/internal/forgeerr"
	"github.com/forgehub/forge/internal/logging"
	"github.com/forgehub/forge/internal/rootfs"
)

var childLog = logging.For("launch", "child")

// RunChild is the child branch of spec.md §4.1 step 5, invoked as the
// re-exec's entrypoint (argv[1] == ChildSubcommand). It unshares the net
// namespace, joins its cgroup, prepares the rootfs, applies volume binds,
// sets the hostname, pivots into the container rootfs, applies the resolved
// Config's environment and working directory, and execs the entrypoint — replacing this process per spec.md
// §4.1's "the child becomes the entrypoint" invariant.
//
// Grounded on toy-docker's run.Init, generalized from its scalar-env-var
// reads and unshare(1) subprocess model to reading one JSON LaunchConfig and
// unix.Unshare(CLONE_NEWNET) called in-process.
func RunChild() {
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	PrintLaunchSummary(cfg)

	if err := unix.Unshare(unix.CLONE_NEWNET); err != nil {
		fatal(forgeerr.New(forgeerr.Setup, "unshare net namespace", err))
	}

	// Join the cgroup the parent created before it did anything else
	// observable, per spec.md §4.1/§4.3: the entrypoint must never run
	// unconfined, even briefly, while rootfs setup or network wiring is
	// still in progress on the parent side.
	if err := cgroups.AttachSelf(cfg.CgroupDirs); err != nil {
		fatal(forgeerr.New(forgeerr.Setup, "attach to cgroup", err))
	}

	if err := rootfs.EnsureSkeleton(cfg.RootfsPath); err != nil {
		fatal(err)
	}
	if !cfg.ImageMode {
		if err := rootfs.ProvisionBinaries(cfg.RootfsPath); err != nil {
			fatal(err)
		}
	}
	if err := rootfs.MountVolumes(cfg.RootfsPath, cfg.Volumes); err != nil {
		fatal(err)
	}

	if err := unix.Sethostname([]byte(cfg.ContainerName)); err != nil {
		childLog.WithError(err).Warn("set hostname failed")
	}

	if err := rootfs.Pivot(cfg.RootfsPath); err != nil {
		fatal(err)
	}

	if err := execEntrypoint(cfg); err != nil {
		fatal(err)
	}
}

// execEntrypoint replaces the current process image with cfg's entrypoint,
// per spec.md §4.1's "PID 1 becomes the entrypoint" invariant. Never
// returns on success.
func execEntrypoint(cfg Config) error {
	if len(cfg.Entrypoint) == 0 {
		return forgeerr.New(forgeerr.RuntimeExec, "exec entrypoint", fmt.Errorf("empty entrypoint"))
	}
	if cfg.WorkingDir != "" {
		if err := os.Chdir(cfg.WorkingDir); err != nil {
			return forgeerr.New(forgeerr.RuntimeExec, "chdir to working dir", err)
		}
	}

	argv0, err := resolveBinary(cfg.Entrypoint[0], cfg.Env)
	if err != nil {
		return forgeerr.New(forgeerr.RuntimeExec, "resolve entrypoint binary", err)
	}

	err = unix.Exec(argv0, cfg.Entrypoint, cfg.Env)
	return forgeerr.New(forgeerr.RuntimeExec, "exec entrypoint", err)
}

// resolveBinary returns name unchanged if it already contains a path
// separator (already absolute or relative), else searches each directory of
// the PATH entry found in env — the rootfs has already been pivoted into,
// so these are container-relative paths.
func resolveBinary(name string, env []string) (string, error) {
	for _, c := range name {
		if c == '/' {
			return name, nil
		}
	}

	path := ""
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			path = strings.TrimPrefix(kv, "PATH=")
			break
		}
	}
	for _, dir := range strings.Split(path, ":") {
		if dir == "" {
			continue
		}
		candidate := dir + "/" + name
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%q not found in PATH", name)
}

func loadConfig() (Config, error) {
	raw := os.Getenv(envKey)
	if raw == "" {
		return Config{}, forgeerr.New(forgeerr.Setup, "read launch config",
			fmt.Errorf("%s not set", envKey))
	}
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, forgeerr.New(forgeerr.Setup, "unmarshal launch config", err)
	}
	return cfg, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "forge init:", err)
	os.Exit(1)
}
