package in_toto

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/in-toto/in-toto-sub000/in_toto/resolver"
)

// defaultResolverSet wires every artifact scheme this package understands
// into one resolver.Set: "file" and "dir" for local filesystem artifacts,
// "ostree" for OSTree commit references.
func defaultResolverSet() *resolver.Set {
	return resolver.NewSet(
		resolver.FileResolver{DirScheme: false},
		resolver.FileResolver{DirScheme: true},
		resolver.OSTreeResolver{},
	)
}

func resolverOptionsFromConfig(cfg Config) resolver.Options {
	return resolver.Options{
		ExcludePatterns:      cfg.ArtifactExcludePatterns,
		FollowSymlinkDirs:    cfg.FollowSymlinkDirs,
		NormalizeLineEndings: cfg.NormalizeLineEndings,
		LstripPaths:          cfg.LstripPaths,
	}
}

func hashDictToInterfaceMap(h map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(h))
	for algo, digest := range h {
		out[algo] = digest
	}
	return out
}

/*
ResolveArtifacts resolves every URI in uris (bare paths default to the
"file" scheme; "dir:"/"ostree:" prefixes select other resolvers) and merges
the results into a single materials/products map. A *PrefixError is
returned if cfg.LstripPaths causes artifacts of two different URIs to
collapse onto the same recorded key; two files of one URI that collapse
onto one key make the resolver return a plain error instead.
*/
func ResolveArtifacts(uris []string, cfg Config) (map[string]interface{}, error) {
	resolvers := defaultResolverSet()
	opts := resolverOptionsFromConfig(cfg)

	origin := make(map[string]string)
	merged := make(map[string]interface{})

	base := cfg.ArtifactBasePath

	for _, uri := range uris {
		resolved := uri
		if base != "" {
			scheme, rest := resolver.SplitScheme(uri)
			if scheme == resolver.DefaultScheme || scheme == "dir" {
				resolved = scheme + ":" + filepath.Join(base, rest)
				if scheme == resolver.DefaultScheme && !strings.Contains(uri, ":") {
					resolved = filepath.Join(base, uri)
				}
			}
		}

		hashDicts, err := resolvers.ResolveURI(resolved, opts)
		if err != nil {
			return nil, err
		}

		for key, hashDict := range hashDicts {
			if base != "" {
				if rel, relErr := filepath.Rel(base, key); relErr == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
					key = rel
				}
			}
			if prevURI, exists := origin[key]; exists && prevURI != uri {
				return nil, &PrefixError{Key: key, PathA: prevURI, PathB: uri}
			}
			origin[key] = uri
			merged[key] = hashDictToInterfaceMap(hashDict)
		}
	}
	return merged, nil
}

// byProductsFromResult turns a subprocess's captured output into the
// byproducts map a Link records, matching the return-value/stdout/stderr
// trio the original tooling captures.
func byProductsFromResult(result runResult) map[string]interface{} {
	return map[string]interface{}{
		"return-value": result.ReturnCode,
		"stdout":       result.Stdout,
		"stderr":       result.Stderr,
	}
}

/*
InTotoRun performs a one-shot link recording: resolve materials, optionally
execute command capturing its stdout/stderr/return value, resolve products,
build and sign a Link, and write it to linkDir as
"<stepName>.<keyid8>.link". If command is empty, no subprocess is run and
byproducts are left empty (useful for recording artifacts around
externally-executed steps).
*/
func InTotoRun(stepName string, materialsURIs, productsURIs []string, command []string, key Key, cfg *Config, linkDir string, useDSSE bool) (Metadata, error) {
	resolved := cfg.effective()

	materials, err := ResolveArtifacts(materialsURIs, resolved)
	if err != nil {
		return nil, err
	}

	byProducts := map[string]interface{}{}
	if len(command) > 0 {
		result, err := runCommand(context.Background(), command, resolved.LinkCmdExecTimeout)
		if err != nil {
			return nil, err
		}
		byProducts = byProductsFromResult(result)
	}

	products, err := ResolveArtifacts(productsURIs, resolved)
	if err != nil {
		return nil, err
	}

	link := Link{
		Type:        "link",
		Name:        stepName,
		Materials:   materials,
		Products:    products,
		ByProducts:  byProducts,
		Command:     command,
		Environment: map[string]interface{}{},
	}

	metadata, err := signLink(link, key, useDSSE)
	if err != nil {
		return nil, err
	}

	linkPath := filepath.Join(linkDir, fmt.Sprintf(LinkNameFormat, stepName, key.KeyID))
	if err := metadata.Dump(linkPath); err != nil {
		return nil, err
	}
	return metadata, nil
}

func signLink(link Link, key Key, useDSSE bool) (Metadata, error) {
	if useDSSE {
		env := &Envelope{}
		if err := env.SetPayload(link); err != nil {
			return nil, err
		}
		if err := env.Sign(key); err != nil {
			return nil, err
		}
		return env, nil
	}

	mb := &Metablock{Signed: link}
	if err := mb.Sign(key); err != nil {
		return nil, err
	}
	return mb, nil
}

func preliminaryLinkPath(linkDir, stepName, keyID string) string {
	return filepath.Join(linkDir, fmt.Sprintf(PreliminaryLinkNameFormat, stepName, keyID))
}

/*
RecordStart begins the two-phase recording variant: it resolves materials,
builds a Link with empty products/command/byproducts, signs it, and writes
it to a hidden "<stepName>.<keyid8>.link-unfinished" file. A later
RecordStop call resumes from this file. Two-phase recording is always
classic Metablock, never DSSE, since the unfinished file is private
intermediate state rather than something meant for transport.
*/
func RecordStart(stepName string, materialsURIs []string, key Key, cfg *Config, linkDir string) (Metadata, error) {
	resolved := cfg.effective()

	materials, err := ResolveArtifacts(materialsURIs, resolved)
	if err != nil {
		return nil, err
	}

	link := Link{
		Type:        "link",
		Name:        stepName,
		Materials:   materials,
		Products:    map[string]interface{}{},
		ByProducts:  map[string]interface{}{},
		Command:     []string{},
		Environment: map[string]interface{}{},
	}

	mb := &Metablock{Signed: link}
	if err := mb.Sign(key); err != nil {
		return nil, err
	}

	if err := mb.Dump(preliminaryLinkPath(linkDir, stepName, key.KeyID)); err != nil {
		return nil, err
	}
	return mb, nil
}

/*
RecordStop finds the single unfinished link for stepName (whatever keyid its
file name carries), verifies it was the same key that started it, resolves
products, fills in command/byproducts (environment is kept as RecordStart
left it), re-signs, writes the finished
"<stepName>.<keyid8>.link" file, and removes the unfinished file.
*/
func RecordStop(stepName string, productsURIs []string, command []string, byProducts map[string]interface{}, key Key, cfg *Config, linkDir string, useDSSE bool) (Metadata, error) {
	resolved := cfg.effective()

	pattern := filepath.Join(linkDir, fmt.Sprintf(PreliminaryLinkNameFormat, stepName, "????????"))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no unfinished link found for step '%s'", stepName)
	}
	if len(matches) > 1 {
		return nil, fmt.Errorf("more than one unfinished link found for step '%s': %v", stepName, matches)
	}

	mb := &Metablock{}
	if err := mb.Load(matches[0]); err != nil {
		return nil, err
	}
	if err := mb.VerifySignature(key); err != nil {
		return nil, fmt.Errorf("unfinished link for step '%s' was not started by the resuming key: %w", stepName, err)
	}

	link := mb.GetPayload().(Link)

	products, err := ResolveArtifacts(productsURIs, resolved)
	if err != nil {
		return nil, err
	}
	link.Products = products
	link.Command = command
	link.ByProducts = byProducts

	metadata, err := signLink(link, key, useDSSE)
	if err != nil {
		return nil, err
	}

	finishedPath := filepath.Join(linkDir, fmt.Sprintf(LinkNameFormat, stepName, key.KeyID))
	if err := metadata.Dump(finishedPath); err != nil {
		return nil, err
	}
	os.Remove(matches[0])
	return metadata, nil
}

/*
RunInspections executes, in declaration order, every Inspection's Run
command against the current working directory's materials/products,
producing unsigned link metadata for each. Per this package's resolution of
the upstream "abort or continue" open question, the first inspection whose
command exits non-zero aborts all remaining inspections with a
*BadReturnValueError rather than recording partial results for a supply
chain already known to be broken.
*/
func RunInspections(layout Layout, cfg *Config, logger Logger, useDSSE bool) (map[string]Metadata, error) {
	if logger == nil {
		logger = NopLogger{}
	}
	resolved := cfg.effective()
	results := make(map[string]Metadata)

	for _, inspection := range layout.Inspect {
		materials, err := ResolveArtifacts([]string{"."}, resolved)
		if err != nil {
			return nil, err
		}

		byProducts := map[string]interface{}{}
		if len(inspection.Run) > 0 {
			logger.Debugf("running inspection '%s': %s", inspection.Name, strings.Join(inspection.Run, " "))
			result, err := runCommand(context.Background(), inspection.Run, resolved.LinkCmdExecTimeout)
			if err != nil {
				return nil, err
			}
			byProducts = byProductsFromResult(result)
			if result.ReturnCode != 0 {
				return nil, &BadReturnValueError{InspectionName: inspection.Name, ReturnValue: strconv.Itoa(result.ReturnCode)}
			}
		}

		products, err := ResolveArtifacts([]string{"."}, resolved)
		if err != nil {
			return nil, err
		}

		link := Link{
			Type:        "link",
			Name:        inspection.Name,
			Materials:   materials,
			Products:    products,
			ByProducts:  byProducts,
			Command:     inspection.Run,
			Environment: map[string]interface{}{},
		}

		if useDSSE {
			env := &Envelope{}
			if err := env.SetPayload(link); err != nil {
				return nil, err
			}
			results[inspection.Name] = env
		} else {
			results[inspection.Name] = &Metablock{Signed: link}
		}
	}
	return results, nil
}
