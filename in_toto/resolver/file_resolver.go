package resolver

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// FileResolver implements the "file" and "dir" schemes: a single file, or a
// directory walked recursively, hashed with sha256.
type FileResolver struct {
	// DirScheme, when true, makes this resolver instance require its target
	// to be a directory rather than a single file. Two FileResolver values
	// (one per scheme) are registered into a Set.
	DirScheme bool
}

func (r FileResolver) Scheme() string {
	if r.DirScheme {
		return "dir"
	}
	return "file"
}

func excludeMatch(patterns []string, path string) (bool, error) {
	for _, pattern := range patterns {
		ok, err := doublestar.Match(pattern, path)
		if err != nil {
			return false, err
		}
		if !ok && !strings.Contains(pattern, "/") {
			ok, _ = doublestar.Match(pattern, filepath.Base(path))
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (r FileResolver) Resolve(uri string, opts Options) (map[string]map[string]string, error) {
	norm := filepath.Clean(uri)

	info, err := os.Stat(norm)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]string{}, nil
		}
		return nil, err
	}

	if !r.DirScheme {
		if info.IsDir() {
			paths, err := collectDirPaths(norm, opts)
			if err != nil {
				return nil, err
			}
			return hashFilesPerEntry(paths, opts)
		}
		excluded, err := excludeMatch(opts.ExcludePatterns, norm)
		if err != nil {
			return nil, err
		}
		if excluded {
			return map[string]map[string]string{}, nil
		}
		hashDict, err := hashFile(norm, opts.NormalizeLineEndings)
		if err != nil {
			return nil, err
		}
		return map[string]map[string]string{
			ApplyLeftStrip(norm, opts.LstripPaths): hashDict,
		}, nil
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("'%s' is a file, expected a directory (use the 'file' scheme for files)", uri)
	}
	return r.walkDir(norm, opts)
}

/*
walkDir resolves a "dir" scheme artifact to a single URI/hash pair: every
regular file under root is hashed individually, then the sorted
(relpath, content hash) pairs are folded into one accumulated sha256 digest,
so that a directory's recorded hash changes if and only if its content or
layout changes. The single map entry is keyed by the (lstrip-applied) root
path itself.
*/
func (r FileResolver) walkDir(root string, opts Options) (map[string]map[string]string, error) {
	paths, err := collectDirPaths(root, opts)
	if err != nil {
		return nil, err
	}

	hashes, err := hashFilesParallel(paths, opts)
	if err != nil {
		return nil, err
	}

	digest, err := accumulateDirDigest(root, paths, hashes)
	if err != nil {
		return nil, err
	}

	key := ApplyLeftStrip(root, opts.LstripPaths)
	return map[string]map[string]string{
		key: {"sha256": digest},
	}, nil
}

// accumulateDirDigest folds the sorted per-file hashes of a directory into
// the single digest the "dir" scheme records: the sha256 of
// relpath + "\0" + hex(sha256(content)) + "\0", concatenated in sorted
// relpath order across every file under root.
func accumulateDirDigest(root string, paths []string, hashes []string) (string, error) {
	h := sha256.New()
	for i, path := range paths {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return "", err
		}
		rel = filepath.ToSlash(rel)
		h.Write([]byte(rel))
		h.Write([]byte{0})
		h.Write([]byte(hashes[i]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func collectDirPaths(root string, opts Options) ([]string, error) {
	var paths []string

	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			excluded, mErr := excludeMatch(opts.ExcludePatterns, path)
			if mErr != nil {
				return mErr
			}
			if excluded {
				return filepath.SkipDir
			}
			return nil
		}

		resolved := path
		if d.Type()&fs.ModeSymlink != 0 {
			target, statErr := os.Stat(path)
			if statErr != nil {
				// broken symlink, skip like the reference implementation does
				return nil
			}
			if target.IsDir() {
				if !opts.FollowSymlinkDirs {
					return nil
				}
				excluded, mErr := excludeMatch(opts.ExcludePatterns, path)
				if mErr != nil || excluded {
					return mErr
				}
				sub, subErr := collectDirPaths(path+string(filepath.Separator), opts)
				if subErr != nil {
					return subErr
				}
				paths = append(paths, sub...)
				return nil
			}
		}

		excluded, mErr := excludeMatch(opts.ExcludePatterns, resolved)
		if mErr != nil {
			return mErr
		}
		if excluded {
			return nil
		}
		paths = append(paths, resolved)
		return nil
	}

	if err := filepath.WalkDir(root, walkFn); err != nil {
		return nil, err
	}

	sort.Strings(paths)
	return paths, nil
}

/*
hashFilesParallel hashes every path in paths with a worker pool bounded by
runtime.GOMAXPROCS(0), returning the sha256 hex digest of each path's
(optionally line-ending-normalized) content in paths' original (sorted)
order — parallelizing the expensive hashing while keeping the result
ordering, and therefore anything that folds it into a digest afterwards,
independent of goroutine scheduling order.
*/
func hashFilesParallel(paths []string, opts Options) ([]string, error) {
	type result struct {
		digest string
		err    error
	}

	results := make([]result, len(paths))
	workers := runtime.GOMAXPROCS(0)
	if workers > len(paths) {
		workers = len(paths)
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	jobs := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				hashDict, err := hashFile(paths[i], opts.NormalizeLineEndings)
				res := result{err: err}
				if err == nil {
					res.digest = hashDict["sha256"]
				}
				results[i] = res
			}
		}()
	}
	for i := range paths {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	digests := make([]string, len(paths))
	for i, res := range results {
		if res.err != nil {
			return nil, res.err
		}
		digests[i] = res.digest
	}
	return digests, nil
}

// hashFilesPerEntry resolves the "file" scheme's directory-recursion case:
// each file keeps its own URI and hash, unlike the "dir" scheme's single
// accumulated digest.
func hashFilesPerEntry(paths []string, opts Options) (map[string]map[string]string, error) {
	digests, err := hashFilesParallel(paths, opts)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]string, len(paths))
	for i, path := range paths {
		key := ApplyLeftStrip(path, opts.LstripPaths)
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("lstrip paths collapse two artifacts onto the same key '%s' (one of them is '%s')", key, path)
		}
		out[key] = map[string]string{"sha256": digests[i]}
	}
	return out, nil
}

func normalizeLineEndings(data []byte) []byte {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	data = bytes.ReplaceAll(data, []byte("\r"), []byte("\n"))
	return data
}

func hashFile(path string, normalize bool) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if normalize {
		data = normalizeLineEndings(data)
	}
	sum := sha256.Sum256(data)
	return map[string]string{"sha256": hex.EncodeToString(sum[:])}, nil
}
