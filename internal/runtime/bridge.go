// Package runtime implements the runtime-to-image bridge described in
// spec.md §1 item 3 and §2's "Data flow — run": resolving a name:tag
// reference to its manifest and config, extracting its layers in order
// into a fresh rootfs, and handing off to the launch pipeline with the
// image's entrypoint, environment, and working directory.
//
// Grounded on toy-docker's internal/pull (image resolution + rootfs
// extraction) and internal/run.RunContainer (the fresh-container-dir +
// extract-then-launch shape), generalized from toy-docker's single
// "layer.tar" per image to an ordered list of content-addressed layers.
package runtime

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgehub/forge/internal/build"
	"github.com/forgehub/forge/internal/forgeerr"
	"github.com/forgehub/forge/internal/instruction"
	"github.com/forgehub/forge/internal/launch"
	"github.com/forgehub/forge/internal/logging"
	"github.com/forgehub/forge/internal/network"
	"github.com/forgehub/forge/internal/store"
)

var log = logging.For("runtime", "bridge")

// containersRoot mirrors toy-docker's TOY_DOCKER_CONTAINERS override, with
// the same os.TempDir fallback for host-local, permission-quirk-free
// storage.
func containersRoot() string {
	if v := os.Getenv("FORGE_CONTAINERS"); v != "" {
		return v
	}
	return filepath.Join(os.TempDir(), "forge", "containers")
}

// RunImage resolves name:tag from s, extracts its layers into a fresh
// rootfs, and runs the launch pipeline with the image's configured
// entrypoint/env/workdir, any requested volumes and port mappings.
func RunImage(s *store.Store, name, tag string, volumes []network.VolumeMount, ports []network.PortMapping) (int, error) {
	manifest, err := s.LoadManifest(name, tag)
	if err != nil {
		return 1, err
	}
	cfg, err := s.LoadConfig(name, tag)
	if err != nil {
		return 1, err
	}

	rootfsPath, err := materializeRootfs(s, manifest)
	if err != nil {
		return 1, err
	}
	defer os.RemoveAll(filepath.Dir(rootfsPath))

	containerName := fmt.Sprintf("forge-%d", os.Getpid())
	log.WithField("image", name+":"+tag).Infof("launching container %s", containerName)

	return launch.Run(launch.Config{
		RootfsPath:    rootfsPath,
		ContainerName: containerName,
		Entrypoint:    cfg.Entrypoint,
		Env:           cfg.Env,
		WorkingDir:    cfg.WorkingDir,
		Volumes:       volumes,
		Ports:         ports,
		ImageMode:     true,
	})
}

// RunDefault launches without an image, using the built-in host binary
// provisioning of spec.md §4.2 — the no-image path the CLI surface's
// bare-invocation form selects.
func RunDefault(entrypoint, env []string, volumes []network.VolumeMount, ports []network.PortMapping) (int, error) {
	workDir, err := os.MkdirTemp(containersRoot(), "default-*")
	if err != nil {
		return 1, forgeerr.New(forgeerr.Setup, "create container workdir", err)
	}
	rootfsPath := filepath.Join(workDir, "rootfs")
	if err := os.MkdirAll(rootfsPath, 0o755); err != nil {
		return 1, forgeerr.New(forgeerr.Setup, "create rootfs dir", err)
	}

	if len(entrypoint) == 0 {
		entrypoint = []string{"/bin/sh"}
	}
	if len(env) == 0 {
		env = []string{instruction.DefaultPATH}
	}

	containerName := fmt.Sprintf("forge-%d", os.Getpid())
	exitCode, err := launch.Run(launch.Config{
		RootfsPath:    rootfsPath,
		ContainerName: containerName,
		Entrypoint:    entrypoint,
		Env:           env,
		WorkingDir:    "/",
		Volumes:       volumes,
		Ports:         ports,
		ImageMode:     false,
	})
	os.RemoveAll(workDir)
	return exitCode, err
}

// materializeRootfs extracts manifest's layers, in order, into a fresh
// temporary rootfs directory and returns its path.
func materializeRootfs(s *store.Store, manifest *instruction.Manifest) (string, error) {
	workDir, err := os.MkdirTemp(containersRoot(), "img-*")
	if err != nil {
		return "", forgeerr.New(forgeerr.Setup, "create container workdir", err)
	}
	rootfsPath := filepath.Join(workDir, "rootfs")
	if err := os.MkdirAll(rootfsPath, 0o755); err != nil {
		os.RemoveAll(workDir)
		return "", forgeerr.New(forgeerr.Setup, "create rootfs dir", err)
	}

	for _, digest := range manifest.Layers {
		if !s.LayerExists(digest) {
			os.RemoveAll(workDir)
			return "", forgeerr.New(forgeerr.Store, "extract layer",
				fmt.Errorf("layer %s missing from store", digest))
		}
		if err := build.ExtractLayer(s.GetLayerPath(digest), rootfsPath); err != nil {
			os.RemoveAll(workDir)
			return "", err
		}
	}
	return rootfsPath, nil
}
