// Package network implements the veth/NAT setup and teardown described in
// spec.md §4.4: a veth pair per container, a named netns handle, the fixed
// 10.0.0.0/24 address plan, MASQUERADE NAT to the default outbound
// interface, and (carried over from toy-docker, §1's "port/volume
// adjacency" expansion) host->container DNAT port forwarding.
//
// The literal ip(8)/iptables(8) shell-outs are the pluggable seam spec.md
// §9 names; "run this inside the container's netns" is implemented with
// github.com/containernetworking/plugins/pkg/ns instead of `ip netns exec`,
// and the parent's netns-readiness poll (spec.md §5, §9's open question)
// uses github.com/vishvananda/netns instead of raw /proc/<pid>/ns/net
// string comparison. The ns usage is grounded on atomicni's pkg/netops; the
// netns handle-comparison poll has no atomicni precedent (see DESIGN.md).
package network

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/containernetworking/plugins/pkg/ns"
	"github.com/vishvananda/netns"

	"github.com/forgehub/forge/internal/forgeerr"
)

// PortMapping is a host->container TCP DNAT rule.
type PortMapping struct {
	HostPort      string
	ContainerPort string
}

// VolumeMount is a host->container bind mount (consumed by the rootfs
// package, defined here because it travels alongside PortMapping through
// the CLI's "-v"/"-p" flags).
type VolumeMount struct {
	HostPath      string
	ContainerPath string
}

// Handles are the resources Setup created, needed by Teardown.
type Handles struct {
	pid          int
	defaultIface string
	ports        []PortMapping
}

// EnableIPForward writes "1" to /proc/sys/net/ipv4/ip_forward, per spec.md
// §4.1 step 2. Must run before NAT rules have any effect.
func EnableIPForward() error {
	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1"), 0o644); err != nil {
		return forgeerr.New(forgeerr.Setup, "enable ip_forward", err)
	}
	return nil
}

// DefaultInterface parses `ip route show default` and returns the `dev`
// token, per spec.md §4.1 step 3.
func DefaultInterface(r Runner) (string, error) {
	out, err := r.IP("route", "show", "default")
	if err != nil {
		return "", forgeerr.New(forgeerr.Setup, "query default route", err)
	}
	fields := strings.Fields(out)
	for i, f := range fields {
		if f == "dev" && i+1 < len(fields) {
			return fields[i+1], nil
		}
	}
	return "", forgeerr.New(forgeerr.Setup, "query default route", fmt.Errorf("no default route found in %q", out))
}

// WaitForChildNetns polls until pid's net namespace differs from the
// caller's own, per spec.md §5's race-avoidance rule: "the parent polls
// until /proc/<child_pid>/ns/net differs from its own, then performs the
// veth move." Implemented with vishvananda/netns handle comparison rather
// than raw symlink-target string comparison.
func WaitForChildNetns(pid int) error {
	own, err := netns.Get()
	if err != nil {
		return forgeerr.New(forgeerr.Setup, "get own netns", err)
	}
	defer own.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		child, err := netns.GetFromPid(pid)
		if err == nil {
			equal := child.Equal(own)
			child.Close()
			if !equal {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return forgeerr.New(forgeerr.Setup, "wait for child netns",
		fmt.Errorf("pid %d never entered a distinct net namespace", pid))
}

// Setup performs the parent-side network setup of spec.md §4.4 step
// sequence 1-6 for the container whose host PID is pid, NATing through
// defaultIface, and installing any requested port forwards. If a step after
// the veth pair's creation fails, Setup runs the best-effort Teardown before
// returning the error, so the veth, netns handle and any rules already
// installed are removed.
func Setup(r Runner, pid int, defaultIface string, ports []PortMapping) (h *Handles, err error) {
	vethHost := VethHost(pid)
	vethCont := VethContainer(pid)
	netnsName := NetnsName(pid)

	if _, err := r.IP("link", "add", vethHost, "type", "veth", "peer", "name", vethCont); err != nil {
		return nil, forgeerr.New(forgeerr.Setup, "create veth pair", err)
	}
	defer func() {
		if err != nil {
			Teardown(r, &Handles{pid: pid, defaultIface: defaultIface, ports: ports})
		}
	}()
	if _, err := r.IP("netns", "attach", netnsName, fmt.Sprintf("%d", pid)); err != nil {
		return nil, forgeerr.New(forgeerr.Setup, "attach netns handle", err)
	}
	if _, err := r.IP("link", "set", vethCont, "netns", netnsName); err != nil {
		return nil, forgeerr.New(forgeerr.Setup, "move veth into netns", err)
	}
	if _, err := r.IP("addr", "add", HostAddr, "dev", vethHost); err != nil {
		return nil, forgeerr.New(forgeerr.Setup, "assign host veth address", err)
	}
	if _, err := r.IP("link", "set", vethHost, "up"); err != nil {
		return nil, forgeerr.New(forgeerr.Setup, "bring host veth up", err)
	}

	if err := withNetns(NetnsPath(pid), func() error {
		if _, err := r.IP("addr", "add", ContainerAddr, "dev", vethCont); err != nil {
			return err
		}
		if _, err := r.IP("link", "set", vethCont, "up"); err != nil {
			return err
		}
		if _, err := r.IP("link", "set", "lo", "up"); err != nil {
			return err
		}
		_, err := r.IP("route", "add", "default", "via", GatewayIP)
		return err
	}); err != nil {
		return nil, forgeerr.New(forgeerr.Setup, "configure container netns", err)
	}

	if err := installNAT(r, vethHost, defaultIface); err != nil {
		return nil, err
	}
	for _, p := range ports {
		if err := installPortForward(r, p); err != nil {
			return nil, err
		}
	}

	return &Handles{pid: pid, defaultIface: defaultIface, ports: ports}, nil
}

// withNetns runs fn with the thread's network namespace switched to the
// named handle at path, restoring the original namespace afterward. This is
// the ns.NetNS.Do equivalent of `ip netns exec <name> ...` for operations
// forge drives from within Go rather than via a sub-shell.
func withNetns(path string, fn func() error) error {
	target, err := ns.GetNS(path)
	if err != nil {
		return fmt.Errorf("open netns %s: %w", path, err)
	}
	defer target.Close()
	return target.Do(func(ns.NetNS) error { return fn() })
}

// installNAT installs the three rules of spec.md §4.4 step 6: MASQUERADE
// outbound traffic from the container subnet, and ACCEPT forwarding in both
// directions between the container's veth and the default interface.
func installNAT(r Runner, vethHost, defaultIface string) error {
	if _, err := r.IPTables("-t", "nat", "-A", "POSTROUTING", "-s", ContainerSubnet, "-o", defaultIface, "-j", "MASQUERADE"); err != nil {
		return forgeerr.New(forgeerr.Setup, "install MASQUERADE rule", err)
	}
	if _, err := r.IPTables("-A", "FORWARD", "-i", vethHost, "-o", defaultIface, "-j", "ACCEPT"); err != nil {
		return forgeerr.New(forgeerr.Setup, "install forward-out rule", err)
	}
	if _, err := r.IPTables("-A", "FORWARD", "-i", defaultIface, "-o", vethHost, "-j", "ACCEPT"); err != nil {
		return forgeerr.New(forgeerr.Setup, "install forward-in rule", err)
	}
	return nil
}

func installPortForward(r Runner, p PortMapping) error {
	if _, err := r.IPTables("-t", "nat", "-A", "PREROUTING", "-p", "tcp", "--dport", p.HostPort,
		"-j", "DNAT", "--to-destination", strings.TrimSuffix(ContainerAddr, "/24")+":"+p.ContainerPort); err != nil {
		return forgeerr.New(forgeerr.Setup, "install port forward", err)
	}
	return nil
}

// Teardown removes the veth pair, netns handle, NAT rules, and port
// forwards installed by Setup. Each step is attempted independently
// (best-effort), per spec.md §4.1's cleanup semantics.
func Teardown(r Runner, h *Handles) {
	vethHost := VethHost(h.pid)
	netnsName := NetnsName(h.pid)

	for _, p := range h.ports {
		if _, err := r.IPTables("-t", "nat", "-D", "PREROUTING", "-p", "tcp", "--dport", p.HostPort,
			"-j", "DNAT", "--to-destination", strings.TrimSuffix(ContainerAddr, "/24")+":"+p.ContainerPort); err != nil {
			log.WithError(err).Warn("remove port forward rule failed")
		}
	}

	if _, err := r.IPTables("-D", "FORWARD", "-i", h.defaultIface, "-o", vethHost, "-j", "ACCEPT"); err != nil {
		log.WithError(err).Warn("remove forward-in rule failed")
	}
	if _, err := r.IPTables("-D", "FORWARD", "-i", vethHost, "-o", h.defaultIface, "-j", "ACCEPT"); err != nil {
		log.WithError(err).Warn("remove forward-out rule failed")
	}
	if _, err := r.IPTables("-t", "nat", "-D", "POSTROUTING", "-s", ContainerSubnet, "-o", h.defaultIface, "-j", "MASQUERADE"); err != nil {
		log.WithError(err).Warn("remove MASQUERADE rule failed")
	}

	if _, err := r.IP("link", "delete", vethHost); err != nil {
		log.WithError(err).Warn("delete veth failed")
	}
	if _, err := r.IP("netns", "delete", netnsName); err != nil {
		log.WithError(err).Warn("delete netns handle failed")
	}
}
