package lib

import (
	"os"

	"github.com/mitchellh/go-homedir"
)

func IsTTY(f *os.File) bool {
	fileInfo, err := f.Stat()
	if err != nil {
		return false
	}

	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// ExpandPath resolves a leading ~ to the current user's home directory.
func ExpandPath(p string) (string, error) {
	if p == "" {
		return p, nil
	}
	return homedir.Expand(p)
}

// HomeDir returns the current user's home directory.
func HomeDir() (string, error) {
	return homedir.Dir()
}
