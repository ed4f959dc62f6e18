//go:build unix && !linux

package session

import (
	"errors"

	"golang.org/x/sys/unix"
)

func groupHasLiveMembers(pgid int) bool {
	err := unix.Kill(-pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
