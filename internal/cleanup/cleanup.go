// Package cleanup provides a scope-bound guard for resources created across
// several fallible setup steps. Grounded on atomicni's rollbackStack in
// pkg/atomicni/plugin.go, generalized from a single ADD-path rollback to a
// general-purpose stack used by the launcher's host-side teardown (cgroup,
// then veth, netns handle and NAT rules via network.Teardown), per spec.md
// §5's "scope-bound guard that runs on all return paths" requirement. The
// network package rolls back a partial Setup through its own Teardown, not
// through a Stack; the container rootfs is removed by the runtime package.
package cleanup

// Stack runs pushed functions in LIFO order. Each step runs independently
// of the others' success, matching spec.md's "cleanup is best-effort but
// each step independently."
type Stack struct {
	fns []func()
}

// Push adds a cleanup step to the top of the stack.
func (s *Stack) Push(fn func()) {
	s.fns = append(s.fns, fn)
}

// Run executes every pushed step in reverse (LIFO) order. Safe to call on a
// stack with no pushed steps.
func (s *Stack) Run() {
	for i := len(s.fns) - 1; i >= 0; i-- {
		s.fns[i]()
	}
	s.fns = nil
}
