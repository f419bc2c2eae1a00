package migration

import (
	"encoding/gob"
	"net"
	"sync"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/pkg/errors"
)

// VsockTransport is the default inter-hypervisor control channel named in
// §4.8, carried over github.com/mdlayher/vsock the same way
// internal/virtio's VsockChannel carries mediated I/O. Messages are
// framed by encoding/gob over the connection; the liveness timeout from
// §5 (default 5s) is applied as a read/write deadline around every call
// rather than a background heartbeat goroutine, since each protocol step
// is itself a bounded request/response.
type VsockTransport struct {
	mu      sync.Mutex
	conn    net.Conn
	enc     *gob.Encoder
	dec     *gob.Decoder
	timeout time.Duration
}

// DefaultLivenessTimeout is §5's default heartbeat/liveness timeout.
const DefaultLivenessTimeout = 5 * time.Second

// DialDestination opens the source-side half of the control channel to
// the destination hypervisor's CID/port.
func DialDestination(cid, port uint32) (*VsockTransport, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, errors.Wrap(err, "migration: vsock dial to destination failed")
	}
	return newVsockTransport(conn), nil
}

// ListenSource is the destination-side counterpart: accepts one inbound
// migration connection from a source hypervisor.
func ListenSource(port uint32) (net.Listener, error) {
	ln, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, errors.Wrap(err, "migration: vsock listen failed")
	}
	return ln, nil
}

// AcceptDestination wraps an already-accepted connection (from a
// ListenSource listener) as a Transport for the destination side.
func AcceptDestination(conn net.Conn) *VsockTransport {
	return newVsockTransport(conn)
}

func newVsockTransport(conn net.Conn) *VsockTransport {
	return &VsockTransport{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn), timeout: DefaultLivenessTimeout}
}

// SetLivenessTimeout overrides the default per-call deadline.
func (t *VsockTransport) SetLivenessTimeout(d time.Duration) { t.timeout = d }

func (t *VsockTransport) withDeadline() error {
	return t.conn.SetDeadline(time.Now().Add(t.timeout))
}

type roundMsg struct {
	Pages []PageData
	Final bool
}
type activatedMsg struct{}

func (t *VsockTransport) SendRound(pages []PageData, final bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.withDeadline(); err != nil {
		return err
	}
	return t.enc.Encode(roundMsg{Pages: pages, Final: final})
}

func (t *VsockTransport) RecvRound() ([]PageData, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.withDeadline(); err != nil {
		return nil, false, err
	}
	var m roundMsg
	if err := t.dec.Decode(&m); err != nil {
		return nil, false, err
	}
	return m.Pages, m.Final, nil
}

func (t *VsockTransport) SendSnapshot(snap *Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.withDeadline(); err != nil {
		return err
	}
	return t.enc.Encode(snap)
}

func (t *VsockTransport) RecvSnapshot() (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.withDeadline(); err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := t.dec.Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (t *VsockTransport) SendActivated() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.withDeadline(); err != nil {
		return err
	}
	return t.enc.Encode(activatedMsg{})
}

func (t *VsockTransport) RecvActivated() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.withDeadline(); err != nil {
		return err
	}
	var m activatedMsg
	return t.dec.Decode(&m)
}

func (t *VsockTransport) Close() error { return t.conn.Close() }

var _ Transport = (*VsockTransport)(nil)
