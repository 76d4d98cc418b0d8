package ipi

import (
	"net"

	"github.com/mdlayher/vsock"
)

// DialVsock connects to a service unit listening on a vsock port, e.g. one running
// in a VM (cid 3 and up) or on the host (vsock.Host).
func DialVsock(cid, port uint32) (*Endpoint, error) {
	c, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, err
	}

	return NewConn(c), nil
}

// ListenVsock listens for a client on a vsock port. Pass the listener to Accept.
func ListenVsock(port uint32) (net.Listener, error) {
	return vsock.Listen(port, nil)
}
