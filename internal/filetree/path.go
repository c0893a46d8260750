package filetree

import (
	"path"
	"strings"
)

// Clean returns the canonical form of a remote path: rooted, no trailing
// slash, no empty or dot segments.
func Clean(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// Join constructs a child path from parent + name.
func Join(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// Parent returns the containing path of p. The parent of "/" is "/".
func Parent(p string) string {
	return path.Dir(Clean(p))
}

// Base returns the last element of p.
func Base(p string) string {
	return path.Base(Clean(p))
}

// Split returns the non-empty segments of p.
func Split(p string) []string {
	p = Clean(p)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}

// Within reports whether p is root or lies below it.
func Within(root, p string) bool {
	root, p = Clean(root), Clean(p)
	if root == p || root == "/" {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}
