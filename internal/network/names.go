package network

import "fmt"

// Fixed address plan, per spec.md §4.4.
const (
	HostAddr        = "10.0.0.1/24"
	ContainerAddr   = "10.0.0.2/24"
	ContainerSubnet = "10.0.0.0/24"
	GatewayIP       = "10.0.0.1"
)

// VethHost returns the host-side veth device name for a container
// identified by its host PID, per the ContainerIdentity data model.
func VethHost(pid int) string { return fmt.Sprintf("veth-%d", pid) }

// VethContainer returns the container-side veth device name.
func VethContainer(pid int) string { return fmt.Sprintf("veth-c-%d", pid) }

// NetnsName returns the named netns handle forge binds the container's net
// namespace to, so `ip netns`-family tooling (and our ns.GetNS lookups) can
// address it by name instead of by /proc/<pid>/ns/net.
func NetnsName(pid int) string { return fmt.Sprintf("cnt-%d", pid) }

// NetnsPath returns the path `ip netns attach` creates for a named netns
// handle.
func NetnsPath(pid int) string { return "/var/run/netns/" + NetnsName(pid) }
