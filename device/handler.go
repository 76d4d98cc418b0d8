package device

import "github.com/c35s/ipiq/client"

// Handler answers commands. Handle reads the request and writes the answer into
// resp, which is zeroed and RespSize bytes long. An error is logged and the slot
// is completed with an empty response.
type Handler interface {
	Handle(p client.Priority, req, resp []byte) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(p client.Priority, req, resp []byte) error

func (f HandlerFunc) Handle(p client.Priority, req, resp []byte) error {
	return f(p, req, resp)
}

// Echo answers every command with a copy of its request.
type Echo struct{}

func (Echo) Handle(_ client.Priority, req, resp []byte) error {
	copy(resp, req)
	return nil
}
