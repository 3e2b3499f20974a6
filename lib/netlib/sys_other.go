//go:build !linux

package netlib

func isWouldBlock(error) bool                      { return false }
func isAcceptRetry(error) bool                     { return false }
func sysListen(string, uint16, int) (int, error)   { return -1, ErrUnsupported }
func sysConnect(string, uint16) (int, bool, error) { return -1, false, ErrUnsupported }
func sysAccept(int) (int, string, uint16, error)   { return -1, "", 0, ErrUnsupported }
func sysLocalAddr(int) (string, uint16, error)     { return "", 0, ErrUnsupported }
func sysAvailable(int) (int, error)                { return 0, ErrUnsupported }
func sysSocketError(int) error                     { return ErrUnsupported }
func sysSend(int, []byte) (int, error)             { return 0, ErrUnsupported }
func sysRecv(int, []byte) (int, error)             { return 0, ErrUnsupported }
func sysClose(int) error                           { return ErrUnsupported }
func sysSetBuffer(int, bool, int) (int, error)     { return 0, ErrUnsupported }
