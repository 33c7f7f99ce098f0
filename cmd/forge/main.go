// Command forge is the CLI surface described in spec.md §6: a bare
// invocation launches a default container with no image, "run name:tag"
// extracts and launches an image, "build -f <path> -t <name:tag>" builds
// and persists one, and the hidden "__forge_init" subcommand is the
// re-exec target the launch pipeline dispatches into.
//
// Grounded on toy-docker's cmd/toy-docker/main.go for the flag.NewFlagSet
// per-subcommand shape and its "init" dispatch convention, generalized from
// toy-docker's pull/build/run/images/init five-verb CLI to forge's
// run/build/(default)/__forge_init surface.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/forgehub/forge/internal/build"
	"github.com/forgehub/forge/internal/launch"
	"github.com/forgehub/forge/internal/network"
	"github.com/forgehub/forge/internal/runtime"
	"github.com/forgehub/forge/internal/store"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == launch.ChildSubcommand {
		launch.RunChild()
		return
	}

	if len(os.Args) < 2 {
		os.Exit(runDefault(nil, nil, nil, nil))
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runRun(os.Args[2:]))
	case "build":
		os.Exit(runBuild(os.Args[2:]))
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", os.Args[1])
		fmt.Fprintln(os.Stderr, "usage: forge [run <name:tag> | build -f <forgefile> -t <name:tag>]")
		os.Exit(1)
	}
}

func openStore() *store.Store {
	root, err := store.DefaultRoot()
	if err != nil {
		fmt.Fprintln(os.Stderr, "forge:", err)
		os.Exit(1)
	}
	s, err := store.Open(root)
	if err != nil {
		fmt.Fprintln(os.Stderr, "forge:", err)
		os.Exit(1)
	}
	return s
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var volFlags, portFlags stringList
	fs.Var(&volFlags, "v", "bind mount host:container (repeatable)")
	fs.Var(&portFlags, "p", "publish host:container TCP port (repeatable)")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: forge run [-v host:container]... [-p host:container]... <name:tag>")
		return 1
	}
	ref := fs.Arg(0)
	name, tag := splitRef(ref)

	volumes, err := parseVolumes(volFlags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "forge:", err)
		return 1
	}
	ports, err := parsePorts(portFlags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "forge:", err)
		return 1
	}

	s := openStore()
	code, err := runtime.RunImage(s, name, tag, volumes, ports)
	if err != nil {
		fmt.Fprintln(os.Stderr, "forge:", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}

func runDefault(entrypoint, env []string, volumes []network.VolumeMount, ports []network.PortMapping) int {
	code, err := runtime.RunDefault(entrypoint, env, volumes, ports)
	if err != nil {
		fmt.Fprintln(os.Stderr, "forge:", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}

func runBuild(args []string) int {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	forgefilePath := fs.String("f", "Forgefile", "path to the Forgefile")
	tagRef := fs.String("t", "", "image name:tag")
	fs.Parse(args)

	if *tagRef == "" {
		fmt.Fprintln(os.Stderr, "usage: forge build -f <forgefile> -t <name:tag>")
		return 2
	}
	name, tag := splitRef(*tagRef)

	contextDir := fs.Arg(0)
	if contextDir == "" {
		contextDir = "."
	}

	s := openStore()
	b := build.New(s)
	if err := b.Build(*forgefilePath, contextDir, name, tag); err != nil {
		fmt.Fprintln(os.Stderr, "forge build:", err)
		return 2
	}
	fmt.Printf("built %s:%s\n", name, tag)
	return 0
}

func splitRef(ref string) (name, tag string) {
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, "latest"
}

// stringList implements flag.Value for repeatable -v/-p flags.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func parseVolumes(raw []string) ([]network.VolumeMount, error) {
	var out []network.VolumeMount
	for _, v := range raw {
		parts := strings.SplitN(v, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid volume mapping %q, want host:container", v)
		}
		out = append(out, network.VolumeMount{HostPath: parts[0], ContainerPath: parts[1]})
	}
	return out, nil
}

func parsePorts(raw []string) ([]network.PortMapping, error) {
	var out []network.PortMapping
	for _, p := range raw {
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid port mapping %q, want host:container", p)
		}
		out = append(out, network.PortMapping{HostPort: parts[0], ContainerPort: parts[1]})
	}
	return out, nil
}
