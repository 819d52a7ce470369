//go:build !linux

package eth

import "errors"

// OpenPacket is only available on Linux
func OpenPacket(device string) (Medium, error) {
	return nil, errors.New("raw ethernet not supported on this platform")
}
