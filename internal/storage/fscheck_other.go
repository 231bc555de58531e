//go:build !darwin && !linux

package storage

import "errors"

func statFSType(string) (string, error) {
	return "", errors.New("filesystem type detection not available")
}
