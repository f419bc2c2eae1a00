package virtio

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/pkg/errors"
)

// VsockChannel is the alternative mediated-I/O transport: a length-
// prefixed record stream over an AF_VSOCK connection to the MVM, used
// when hypervisor and MVM are not colocated in shared memory (the same
// role mdlayher/vsock plays for migration's control channel in
// internal/migration). Each record is mediatedRecordSize bytes, framed
// with nothing extra since the size is fixed.
type VsockChannel struct {
	mu   sync.Mutex
	conn net.Conn
}

// DialMVM opens a vsock connection to the MVM's well-known CID/port for
// mediated I/O.
func DialMVM(cid, port uint32) (*VsockChannel, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, errors.Wrap(err, "virtio: vsock dial to MVM failed")
	}
	return &VsockChannel{conn: conn}, nil
}

// ListenMVM is the MVM-side counterpart: accepts one hypervisor
// connection on port, used by test doubles and by the MVM reference
// implementation outside this repo's scope.
func ListenMVM(port uint32) (net.Listener, error) {
	ln, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, errors.Wrap(err, "virtio: vsock listen failed")
	}
	return ln, nil
}

func (c *VsockChannel) SendRequest(req MediatedRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := req.marshal()
	_, err := c.conn.Write(rec[:])
	return err
}

// RecvCompletion reads one fixed-size record with a short deadline so a
// caller polling in a loop (PumpCompletions) doesn't block indefinitely
// when the MVM has nothing ready.
func (c *VsockChannel) RecvCompletion() (MediatedCompletion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	var rec [mediatedRecordSize]byte
	_, err := io.ReadFull(c.conn, rec[:])
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return MediatedCompletion{}, ErrNoCompletion
		}
		return MediatedCompletion{}, err
	}
	return unmarshalCompletion(rec), nil
}

// Close tears down the underlying connection.
func (c *VsockChannel) Close() error { return c.conn.Close() }
