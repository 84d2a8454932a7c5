//go:build !linux

package transport

import "errors"

func newLinuxOpener() (Opener, error) {
	return nil, errors.New("the linux serial driver is not available on this platform, use \"portable\"")
}
