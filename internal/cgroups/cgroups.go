// Package cgroups implements the v1/v2-autodetecting cgroup setup described
// in spec.md §4.3: fixed CPU/memory/PID limits, a name-scoped cgroup
// directory (or directories, one per controller under v1), process
// attachment, and teardown.
//
// Grounded on the write-the-files-directly style shown in
// other_examples/869924b2_z1z0v1c-gclone (gocker)'s setupCgroup/
// cleanupCgroups, generalized from its hard-coded v2-only, 20%/50M/no-pids
// policy to spec.md's v1/v2 autodetection and fixed 50%/512MiB/100-pids
// policy.
package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/forgehub/forge/internal/forgeerr"
	"github.com/forgehub/forge/internal/logging"
)

const (
	cgroupRoot = "/sys/fs/cgroup"

	// Fixed limit policy, per spec.md §4.3.
	cpuQuotaUs   = 50000
	cpuPeriodUs  = 100000
	memoryLimit  = 536870912 // 512 MiB
	pidsMax      = 100
	v2CPUMaxLine = "50000 100000"
)

var log = logging.For("cgroups", "cgroup")

// Version identifies which cgroup hierarchy is in use on this host.
type Version int

const (
	V1 Version = iota
	V2
)

// Detect reports v2 iff /sys/fs/cgroup/cgroup.controllers exists, else v1,
// per spec.md §4.3's detection rule.
func Detect() Version {
	if _, err := os.Stat(filepath.Join(cgroupRoot, "cgroup.controllers")); err == nil {
		return V2
	}
	return V1
}

// v1Controllers is the fixed set of v1 controllers forge writes limits to.
var v1Controllers = []string{"cpu", "memory", "pids"}

// Cgroup represents a created, limited cgroup for one container, named
// "forge-<pid>" per the ContainerIdentity data model.
type Cgroup struct {
	Name    string
	Version Version
	// dirs holds the controller directory (v2: one entry) or one entry
	// per controller (v1).
	dirs []string
}

// Create makes the cgroup directory/directories for name and writes the
// fixed CPU/memory/PID limits, per spec.md §4.3. Must be called before
// namespace creation so the cgroup lives in host-visible cgroupfs (§4.1
// step 1).
func Create(name string) (*Cgroup, error) {
	v := Detect()
	cg := &Cgroup{Name: name, Version: v}

	switch v {
	case V2:
		dir := filepath.Join(cgroupRoot, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, forgeerr.New(forgeerr.Setup, "mkdir cgroup v2", err)
		}
		cg.dirs = []string{dir}

		if err := writeLimit(dir, "cpu.max", v2CPUMaxLine); err != nil {
			return nil, err
		}
		if err := writeLimit(dir, "memory.max", strconv.Itoa(memoryLimit)); err != nil {
			return nil, err
		}
		if err := writeLimit(dir, "pids.max", strconv.Itoa(pidsMax)); err != nil {
			return nil, err
		}

	case V1:
		for _, controller := range v1Controllers {
			dir := filepath.Join(cgroupRoot, controller, name)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, forgeerr.New(forgeerr.Setup, "mkdir cgroup v1 "+controller, err)
			}
			cg.dirs = append(cg.dirs, dir)
		}

		cpuDir := filepath.Join(cgroupRoot, "cpu", name)
		if err := writeLimit(cpuDir, "cpu.cfs_quota_us", strconv.Itoa(cpuQuotaUs)); err != nil {
			return nil, err
		}
		if err := writeLimit(cpuDir, "cpu.cfs_period_us", strconv.Itoa(cpuPeriodUs)); err != nil {
			return nil, err
		}

		memDir := filepath.Join(cgroupRoot, "memory", name)
		if err := writeLimit(memDir, "memory.limit_in_bytes", strconv.Itoa(memoryLimit)); err != nil {
			return nil, err
		}

		pidsDir := filepath.Join(cgroupRoot, "pids", name)
		if err := writeLimit(pidsDir, "pids.max", strconv.Itoa(pidsMax)); err != nil {
			return nil, err
		}
	}

	log.WithField("version", v).Infof("created cgroup %s", name)
	return cg, nil
}

// Attach writes pid to cgroup.procs in every directory this cgroup spans,
// per spec.md §4.3's "attach to every used controller" rule for v1.
func (cg *Cgroup) Attach(pid int) error {
	for _, dir := range cg.dirs {
		if err := writeLimit(dir, "cgroup.procs", strconv.Itoa(pid)); err != nil {
			return err
		}
	}
	log.Infof("attached pid %d to cgroup %s", pid, cg.Name)
	return nil
}

// Dirs returns the controller directory (or directories, under v1) this
// cgroup spans, so the parent can hand them to the re-executed child for a
// self-attach before the child does anything else observable.
func (cg *Cgroup) Dirs() []string { return cg.dirs }

// AttachSelf writes "0" ("the writing process itself") to cgroup.procs in
// every directory listed in dirs. Unlike Attach, this needs no pid: a
// process that has just unshared a new PID namespace sees its own pid as 1
// in that namespace, which is not the id the host-visible cgroupfs expects,
// but the kernel's "0 means self" convention resolves correctly regardless
// of which PID namespace the writer is in. Used by the re-executed child to
// join its cgroup immediately after unsharing, per spec.md §4.1/§4.3's
// "child joins cgroup.procs early, before filesystem setup" ordering.
func AttachSelf(dirs []string) error {
	for _, dir := range dirs {
		if err := writeLimit(dir, "cgroup.procs", "0"); err != nil {
			return err
		}
	}
	return nil
}

// Teardown removes the cgroup directory/directories. The directories must
// be empty (no procs) — guaranteed by the caller having already waited on
// the attached process, per spec.md §4.3.
func (cg *Cgroup) Teardown() error {
	var firstErr error
	for _, dir := range cg.dirs {
		if err := os.Remove(dir); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remove cgroup dir %s: %w", dir, err)
		}
	}
	if firstErr != nil {
		log.WithError(firstErr).Warn("cgroup teardown incomplete")
	} else {
		log.Infof("removed cgroup %s", cg.Name)
	}
	return firstErr
}

func writeLimit(dir, file, value string) error {
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return forgeerr.New(forgeerr.Setup, "write "+path, err)
	}
	return nil
}
