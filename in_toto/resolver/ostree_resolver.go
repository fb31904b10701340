package resolver

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

/*
OSTreeResolver resolves an OSTree commit reference to its checksum by
shelling out to the `ostree` CLI (`ostree rev-parse <ref>`). No Go binding
for libostree exists in this codebase's dependency set, so the resolver
treats the binary as an opaque external tool, the same way this package
treats `ostree` everywhere else artifact provenance needs it.
*/
type OSTreeResolver struct {
	// Repo is passed as `--repo=<Repo>` to every invocation; empty uses the
	// ostree default repo resolution (system repo or $OSTREE_REPO).
	Repo string
	// Timeout bounds how long the ostree subprocess may run.
	Timeout time.Duration
}

func (r OSTreeResolver) Scheme() string {
	return "ostree"
}

func (r OSTreeResolver) Resolve(uri string, opts Options) (map[string]map[string]string, error) {
	ref := strings.TrimSpace(uri)
	if ref == "" {
		return nil, fmt.Errorf("ostree resolver requires a non-empty ref")
	}

	timeout := r.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	args := []string{"rev-parse"}
	if r.Repo != "" {
		args = append(args, "--repo="+r.Repo)
	}
	args = append(args, ref)

	out, err := exec.CommandContext(ctx, "ostree", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("ostree rev-parse %s failed: %s", ref, err)
	}

	checksum := strings.TrimSpace(string(out))
	key := ApplyLeftStrip("ostree:"+ref, opts.LstripPaths)
	return map[string]map[string]string{
		key: {"sha256": checksum},
	}, nil
}
