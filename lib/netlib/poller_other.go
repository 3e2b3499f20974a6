//go:build !linux

package netlib

func newPoller(WriteMode, int) (poller, error) {
	return nil, ErrUnsupported
}
