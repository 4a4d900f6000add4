package sftpengine

import "strings"

// Filter reports whether an entry should be skipped.
type Filter func(name string, isDir bool) bool

// DownloadFilter hides VCS metadata, dependency trees and build output.
func DownloadFilter(name string, isDir bool) bool {
	switch name {
	case ".git", "node_modules", "build", "dist":
		return true
	}
	return false
}

// UploadFilter skips VCS metadata, dependency trees and dotfiles.
func UploadFilter(name string, isDir bool) bool {
	switch name {
	case ".git", "node_modules":
		return true
	}
	return strings.HasPrefix(name, ".")
}
