package server

import (
	"errors"
	"path"
	"strings"
)

// ErrInvalidBasePath is returned for base paths that are not plain URL paths.
var ErrInvalidBasePath = errors.New("invalid base path")

// NormalizeBasePath turns a configured base into a clean "/a/b" prefix. The
// root ("", "/") normalizes to the empty string.
func NormalizeBasePath(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	if p == "" || p == "/" {
		return "", nil
	}
	if strings.Contains(p, "://") || strings.ContainsAny(p, "?#") {
		return "", errors.Join(ErrInvalidBasePath, errors.New("scheme, query and fragment are not allowed"))
	}
	p = "/" + strings.TrimPrefix(p, "/")
	for _, seg := range strings.Split(p[1:], "/") {
		if seg == "." || seg == ".." {
			return "", errors.Join(ErrInvalidBasePath, errors.New("'.' and '..' segments are not allowed"))
		}
	}
	if p = path.Clean(p); p == "/" {
		return "", nil
	}
	return p, nil
}
