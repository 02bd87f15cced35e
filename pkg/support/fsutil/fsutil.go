// Package fsutil has small file system helpers shared by the UI packages.
package fsutil

import (
	"os"
	"os/user"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// ExpandTilde resolves a leading "~" or "~user" in dir to the corresponding
// home directory. Anything else is returned unchanged.
func ExpandTilde(dir string) (string, error) {
	if dir == "" || dir[0] != '~' {
		return dir, nil
	}
	userName, rest, _ := strings.Cut(dir[1:], "/")
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "cannot resolve home directory for path %q", dir)
	}
	return path.Join(usr.HomeDir, rest), nil
}

// MustExpandTilde is ExpandTilde, panicking if the user lookup fails.
func MustExpandTilde(dir string) string {
	expanded, err := ExpandTilde(dir)
	if err != nil {
		panic(err)
	}
	return expanded
}

// EnsureDir expands a leading tilde in dir and creates the directory, along
// with any missing parents. It returns the expanded path.
func EnsureDir(dir string) (string, error) {
	expanded, err := ExpandTilde(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(expanded, 0777); err != nil {
		return "", errors.Wrapf(err, "cannot create directory %q", expanded)
	}
	return expanded, nil
}
