// Package scope decides which paths belong to the audit trail.
//
// A path is in scope when it lies under the watched root but outside the
// audit directory. Excluding the audit directory is what keeps the layer
// from observing its own log writes: every sink file lives under the
// watched root, so without the exclusion each record written would itself
// be an in-scope filesystem operation.
package scope

// Filter evaluates paths against a watched root and the audit directory.
type Filter struct {
	root     string
	auditDir string
}

// New returns a filter for the given watched root and audit directory.
// Both are expected to be absolute; they are matched literally against
// the path arguments callers pass, without canonicalization or symlink
// resolution.
func New(root, auditDir string) Filter {
	return Filter{root: root, auditDir: auditDir}
}

// InScope reports whether path should be audited. The path is compared
// exactly as the caller supplied it; a relative path never matches an
// absolute root.
func (f Filter) InScope(path string) bool {
	if !underneath(f.root, path) {
		return false
	}
	return !underneath(f.auditDir, path)
}

// underneath reports whether path is prefix itself or a descendant of it.
// The separator check prevents /tmpfoo from matching a /tmp prefix.
func underneath(prefix, path string) bool {
	if prefix == "" {
		return false
	}
	if path == prefix {
		return true
	}
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return false
	}
	return path[len(prefix)] == '/' || prefix[len(prefix)-1] == '/'
}
