package launch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/forgehub/forge/internal/cgroups"
	"github.com/forgehub/forge/internal/cleanup"
	"github.com/forgehub/forge/internal/forgeerr"
	"github.com/forgehub/forge/internal/logging"
	"github.com/forgehub/forge/internal/network"
)

var log = logging.For("launch", "parent")

// Run executes the full launch pipeline of spec.md §4.1 for cfg: cgroup
// creation, re-exec with namespace Cloneflags, parent-side network wiring,
// signal forwarding, wait, and best-effort teardown. Returns the
// container's exit code and any setup-stage error.
func Run(cfg Config) (exitCode int, err error) {
	var stack cleanup.Stack
	defer stack.Run()

	// Step 1 of spec.md §4.1: create the cgroup in host-visible cgroupfs
	// before any namespace exists.
	cg, err := cgroups.Create(cfg.ContainerName)
	if err != nil {
		return 1, err
	}
	stack.Push(func() {
		if err := cg.Teardown(); err != nil {
			log.WithError(err).Warn("cgroup teardown failed")
		}
	})

	// Step 2-3: enable forwarding, discover the outbound interface, before
	// the child exists.
	if err := network.EnableIPForward(); err != nil {
		return 1, err
	}
	runner := network.NewRunner()
	defaultIface, err := network.DefaultInterface(runner)
	if err != nil {
		return 1, err
	}

	// The child self-attaches to these directories right after unsharing
	// (step 5's first act, before filesystem setup), since it has no usable
	// host-visible pid to hand the parent for a late Attach.
	cfg.CgroupDirs = cg.Dirs()

	data, err := json.Marshal(cfg)
	if err != nil {
		return 1, forgeerr.New(forgeerr.Setup, "marshal launch config", err)
	}

	self, err := os.Executable()
	if err != nil {
		return 1, forgeerr.New(forgeerr.Setup, "locate self executable", err)
	}

	// Step 4: re-exec with CLONE_NEW{PID,NS,UTS}, the single-syscall
	// equivalent of unshare+fork spec.md §9 permits.
	cmd := exec.Command(self, ChildSubcommand)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), envKey+"="+string(data))
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWPID | unix.CLONE_NEWNS | unix.CLONE_NEWUTS,
	}

	// Once Start succeeds, the child is running and self-attaching to its
	// cgroup immediately — every later failure in this function is a
	// networking-setup failure, not a reason to kill an already-running
	// container. Per spec.md §4.1's documented failure semantics, those are
	// logged and the container still runs; only a failure to even start the
	// process is fatal, and no process exists yet at that point to kill.
	if err := cmd.Start(); err != nil {
		return 1, forgeerr.New(forgeerr.Setup, "start container process", err)
	}
	pid := cmd.Process.Pid

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			log.Infof("forwarding SIGTERM to container pid %d", pid)
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
	}()

	// Step 5's parent branch: wait for the child to enter its own net
	// namespace before moving the veth peer in, avoiding the race spec.md
	// §5 and §9 both call out. A failure here (or in network.Setup below)
	// means the container is network-isolated, not dead: log and fall
	// through to cmd.Wait() per scenario S4 rather than returning early.
	if err := network.WaitForChildNetns(pid); err != nil {
		log.WithError(err).Warn("child net namespace never became visible; container will run network-isolated")
	} else if handles, err := network.Setup(runner, pid, defaultIface, cfg.Ports); err != nil {
		log.WithError(err).Warn("network setup failed; container will run network-isolated")
	} else {
		stack.Push(func() { network.Teardown(runner, handles) })
	}

	waitErr := cmd.Wait()
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 1, forgeerr.New(forgeerr.RuntimeExec, "wait for container", waitErr)
}

// PrintLaunchSummary is a small diagnostic helper matching toy-docker's
// init.go habit of printing the resolved launch parameters before handing
// off control.
func PrintLaunchSummary(cfg Config) {
	fmt.Fprintf(os.Stderr, "[launch] container=%s rootfs=%s entrypoint=%v image_mode=%v\n",
		cfg.ContainerName, cfg.RootfsPath, cfg.Entrypoint, cfg.ImageMode)
}
