// Package build implements the image builder described in spec.md §4.6: a
// Forgefile is executed instruction by instruction against a scratch
// rootfs, each mutating instruction's result is cached and persisted as a
// content-addressed layer, and the final manifest plus runtime config are
// written to the image store.
//
// Grounded on toy-docker's internal/build/build.go (BuildImage) for the
// overall "unpack base layer into a temp dir, apply RUN/COPY in order, tar
// it back up" shape. Generalized from that single-pass, no-caching,
// systemd-nspawn-shelling original to spec.md's cache-key chain, chroot
// execution, and persistent layer/manifest store.
package build

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgehub/forge/internal/forgeerr"
	"github.com/forgehub/forge/internal/forgefile"
	"github.com/forgehub/forge/internal/hashutil"
	"github.com/forgehub/forge/internal/instruction"
	"github.com/forgehub/forge/internal/logging"
	"github.com/forgehub/forge/internal/store"
)

var log = logging.For("build", "image")

// Builder executes a Forgefile against an image store.
type Builder struct {
	store *store.Store
}

// New returns a Builder persisting to s.
func New(s *store.Store) *Builder {
	return &Builder{store: s}
}

// Build parses the Forgefile at forgefilePath (resolving COPY sources
// against contextDir) and executes it, saving the resulting image as
// name:tag.
func (b *Builder) Build(forgefilePath, contextDir, name, tag string) error {
	ff, err := forgefile.Parse(forgefilePath, contextDir)
	if err != nil {
		return err
	}
	return b.BuildForgefile(ff, name, tag)
}

// BuildForgefile executes an already-parsed Forgefile, per spec.md §4.6's
// execution model: a scratch rootfs, a prevKey/cacheValid state machine
// walking instructions in order, and cache hit/miss branching around each
// mutating instruction.
func (b *Builder) BuildForgefile(ff *instruction.Forgefile, name, tag string) error {
	workDir, err := os.MkdirTemp("", "forge-build-*")
	if err != nil {
		return forgeerr.New(forgeerr.BuildExec, "create build workdir", err)
	}
	defer os.RemoveAll(workDir)

	rootfsDir := filepath.Join(workDir, "rootfs")
	if err := os.MkdirAll(rootfsDir, 0o755); err != nil {
		return forgeerr.New(forgeerr.BuildExec, "create scratch rootfs", err)
	}

	cfg := instruction.NewConfig()
	manifest := &instruction.Manifest{Name: name, Tag: tag}

	prevKey := "base"
	cacheValid := true

	for _, instr := range ff.Instructions {
		instrHash, err := b.instrHash(ff.ContextDir, instr)
		if err != nil {
			return err
		}
		cacheKey := hashutil.CacheKey(prevKey, instrHash)
		prevKey = cacheKey

		if !instr.IsMutating() {
			applyConfigInstruction(cfg, instr)
			continue
		}

		digest, layered, err := b.execMutatingInstruction(ff.ContextDir, rootfsDir, cacheKey, instr, &cacheValid)
		if err != nil {
			return err
		}
		if layered {
			manifest.Layers = append(manifest.Layers, digest)
		}
	}

	if err := b.store.SaveManifest(manifest); err != nil {
		return err
	}
	if err := b.store.SaveConfig(name, tag, cfg); err != nil {
		return err
	}
	log.WithField("image", name+":"+tag).Infof("build complete, %d layers", len(manifest.Layers))
	return nil
}

// instrHash computes the per-instruction hash folded into the cache-key
// chain: COPY instructions hash their resolved source content (so an
// unchanged command line with changed file content still invalidates the
// cache), every other instruction hashes its textual form.
func (b *Builder) instrHash(contextDir string, instr instruction.Instruction) (string, error) {
	if instr.Verb != instruction.Copy {
		return instr.String(), nil
	}
	src := filepath.Join(contextDir, instr.Src)
	digest, err := hashutil.SHA256Path(src)
	if err != nil {
		return "", forgeerr.New(forgeerr.BuildExec, "hash COPY source", err)
	}
	return instr.String() + ":" + digest, nil
}

// execMutatingInstruction runs a FROM/COPY/RUN instruction against rootfsDir,
// using the store's cache index to skip re-execution when cacheKey was seen
// before. Once any instruction misses the cache, every instruction after it
// must also execute for real, per spec.md §4.6 ("a miss invalidates the
// chain for every following instruction") — tracked via cacheValid.
func (b *Builder) execMutatingInstruction(contextDir, rootfsDir, cacheKey string, instr instruction.Instruction, cacheValid *bool) (instruction.LayerDigest, bool, error) {
	if *cacheValid {
		if digest, ok, err := b.store.GetCachedLayer(cacheKey); err != nil {
			return "", false, err
		} else if ok && b.store.LayerExists(digest) {
			log.WithField("cache_key", cacheKey).Debug("cache hit")
			if err := extractTarGz(b.store.GetLayerPath(digest), rootfsDir); err != nil {
				return "", false, forgeerr.New(forgeerr.BuildExec, "apply cached layer", err)
			}
			return digest, true, nil
		}
	}
	*cacheValid = false

	log.WithField("instruction", instr.String()).Debug("cache miss, executing")
	if err := b.runInstruction(contextDir, rootfsDir, instr); err != nil {
		return "", false, err
	}

	tarballPath := filepath.Join(os.TempDir(), "forge-layer-"+hashutil.CacheKey(cacheKey, "snapshot")+".tar.gz")
	if err := packTarGz(rootfsDir, tarballPath); err != nil {
		return "", false, forgeerr.New(forgeerr.BuildExec, "snapshot layer", err)
	}
	defer os.Remove(tarballPath)

	digest, err := b.store.SaveLayer(tarballPath)
	if err != nil {
		return "", false, err
	}
	if err := b.store.CacheLayer(cacheKey, digest); err != nil {
		return "", false, err
	}
	return digest, true, nil
}

func (b *Builder) runInstruction(contextDir, rootfsDir string, instr instruction.Instruction) error {
	switch instr.Verb {
	case instruction.From:
		return b.execFrom(instr, rootfsDir)
	case instruction.Copy:
		return execCopy(contextDir, rootfsDir, instr)
	case instruction.Run:
		return execRun(rootfsDir, instr)
	default:
		return forgeerr.New(forgeerr.BuildExec, "unknown mutating verb", fmt.Errorf("verb %q", instr.Verb))
	}
}

// applyConfigInstruction updates cfg in place for WORKDIR/ENV/ENTRYPOINT,
// per spec.md §4.6: these extend the cache-key chain but never produce a
// layer.
func applyConfigInstruction(cfg *instruction.Config, instr instruction.Instruction) {
	switch instr.Verb {
	case instruction.Workdir:
		cfg.WorkingDir = instr.Path
	case instruction.Env:
		cfg.Env = append(cfg.Env, instr.Key+"="+instr.Value)
	case instruction.Entrypoint:
		cfg.Entrypoint = instr.Args
	}
}
