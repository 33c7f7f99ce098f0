// Package launch implements the container launch pipeline described in
// spec.md §4.1: cgroup creation, a re-exec with namespace-creating
// Cloneflags standing in for fork+unshare, the child branch (netns unshare,
// cgroup attach, filesystem setup, entrypoint exec), and the parent branch
// (veth/netns wiring, wait, best-effort teardown).
//
// Grounded on toy-docker's internal/run (RunContainer/Init) for the overall
// re-exec/env-var/waitForChildNetns shape, generalized from toy-docker's
// `unshare(1)` subprocess plus scalar env vars to an in-process
// `/proc/self/exe` re-exec carrying one JSON LaunchConfig, and on gocker's
// IS_CHILD-style self-re-exec for the Cloneflags pattern itself.
package launch

import "github.com/forgehub/forge/internal/network"

// Config is the value handed from the runtime-to-image bridge (or the
// no-image default launch) into the launch pipeline, serialized to JSON and
// passed to the re-executed child via the FORGE_LAUNCH environment
// variable, per spec.md §3's expanded LaunchConfig.
type Config struct {
	RootfsPath    string   `json:"rootfs_path"`
	ContainerName string   `json:"container_name"`
	Entrypoint    []string `json:"entrypoint"`
	Env           []string `json:"env"`
	WorkingDir    string   `json:"working_dir"`

	Volumes []network.VolumeMount `json:"volumes,omitempty"`
	Ports   []network.PortMapping `json:"ports,omitempty"`

	// ImageMode selects whether filesystem setup performs host binary
	// provisioning (false: non-image launches) or skips it because layers
	// already provide binaries (true: image launches).
	ImageMode bool `json:"image_mode"`

	// CgroupDirs are the controller directories the parent already created
	// in host-visible cgroupfs (cgroups.Create, before the re-exec). The
	// child joins each of these (cgroups.AttachSelf, writing the "0" self
	// sentinel to cgroup.procs) immediately after unsharing, per spec.md §4.1/§4.3's "join the cgroup before filesystem
	// setup or entrypoint exec" ordering.
	CgroupDirs []string `json:"cgroup_dirs"`
}

// envKey is the environment variable the parent uses to pass the launch
// config to the re-executed child, per spec.md §3's expanded LaunchConfig.
const envKey = "FORGE_LAUNCH"

// ChildSubcommand is the hidden argv[1] the parent's re-exec passes so
// main() can dispatch into the child branch instead of the CLI. Exported so
// cmd/forge can recognize it before normal flag parsing.
const ChildSubcommand = "__forge_init"
