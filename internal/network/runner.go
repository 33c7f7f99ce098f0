package network

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/forgehub/forge/internal/logging"
)

// Runner is the shell-out boundary spec.md §9 calls the "run_ip/
// run_iptables... pluggable seam" — the one place a future netlink-based
// implementation would replace. Grounded on toy-docker's internal/exec
// helpers (Run/RunOut/MustRun), generalized into an interface so tests can
// substitute a fake.
type Runner interface {
	IP(args ...string) (string, error)
	IPTables(args ...string) (string, error)
}

// execRunner shells out to the real ip(8) and iptables(8) binaries.
type execRunner struct{}

// NewRunner returns the default, host-executing Runner.
func NewRunner() Runner { return execRunner{} }

var log = logging.For("network", "net")

func (execRunner) IP(args ...string) (string, error)       { return run("ip", args...) }
func (execRunner) IPTables(args ...string) (string, error) { return run("iptables", args...) }

func run(name string, args ...string) (string, error) {
	log.Debugf(">>>> %s %s", name, strings.Join(args, " "))
	out, err := exec.Command(name, args...).CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, output)
	}
	return output, nil
}
