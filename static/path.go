package static

import (
	"path/filepath"
	"strings"

	"github.com/emberhttpd/ember/api"
)

// maxPathLength mirrors the platform bound spec.md §4.6 asks us to
// enforce ("reject paths longer than the platform max"); Linux's
// PATH_MAX is 4096.
const maxPathLength = 4096

// ResolveSafePath implements spec.md §4.6 "Path resolution": strip the
// query string (the caller is expected to have already done so via
// the request's Path field), reject control/unprintable bytes, join
// with root, canonicalize, and reject anything that escapes root.
//
// Grounded on original_source/include/uvhttp_static_v2.h's
// uvhttp_static_resolve_safe_path, generalized from its fixed C buffer
// to Go's filepath.Clean/Abs plus an explicit root-containment check —
// symlinks are resolved with filepath.EvalSymlinks so a symlink whose
// target escapes root is rejected exactly as spec.md's "Static files
// on disk" external interface requires.
func ResolveSafePath(root, requestPath string, evalSymlinks func(string) (string, error)) (string, *api.Error) {
	if len(requestPath) > maxPathLength {
		return "", api.New(api.CodeInvalidParam, "request path exceeds platform max length")
	}
	if !validURLPath(requestPath) {
		return "", api.New(api.CodeInvalidParam, "request path contains null or unprintable bytes")
	}

	cleanRoot := filepath.Clean(root)
	joined := filepath.Join(cleanRoot, filepath.FromSlash(requestPath))

	// filepath.Join already collapses ".." segments lexically, but a
	// request path of "/a/../../etc/passwd" must be rejected as
	// traversal rather than silently clamped — compare the lexical
	// result against the root before ever touching the filesystem
	// (spec.md §8 "Path traversal ... rejected before any fs call").
	if !isWithin(cleanRoot, joined) {
		return "", api.New(api.CodeInvalidParam, "path escapes configured root")
	}

	resolved := joined
	if evalSymlinks != nil {
		if real, err := evalSymlinks(joined); err == nil {
			resolved = real
			if !isWithin(cleanRoot, resolved) {
				return "", api.New(api.CodeInvalidParam, "symlink target escapes configured root")
			}
		}
		// A missing file is not itself unsafe; the caller's stat/open
		// will surface CodeNotFound.
	}

	return resolved, nil
}

func isWithin(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func validURLPath(p string) bool {
	for _, r := range p {
		if r == 0 {
			return false
		}
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}
