package control

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// Conn frames Records over a net.Conn (a net.UnixConn in production, a
// net.Pipe in tests) with a 4-byte little-endian length prefix ahead of
// each fixed RecordSize payload. Every record is the same length;
// ReadRecord rejects a frame whose prefix names any other length, so a
// peer built with a different RecordSize fails with an error instead of
// being misparsed.
type Conn struct {
	nc net.Conn

	writeMu sync.Mutex
	readMu  sync.Mutex
}

// NewConn wraps an established connection for record framing.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// WriteRecord marshals r and writes its length-prefixed frame.
func (c *Conn) WriteRecord(r Record) error {
	buf := make([]byte, 4+RecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(RecordSize))
	if err := r.Marshal(buf[4:]); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write(buf)
	return err
}

// ReadRecord blocks until one full frame has arrived and unmarshals it.
func (c *Conn) ReadRecord() (Record, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.nc, lenBuf[:]); err != nil {
		return Record{}, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n != RecordSize {
		return Record{}, fmt.Errorf("control: frame length %d, want %d", n, RecordSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.nc, payload); err != nil {
		return Record{}, err
	}
	var r Record
	if err := r.Unmarshal(payload); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// ListenUnix starts a control-channel listener on the given socket path,
// matching the teacher's server.ServeUnix convention of serving a
// protocol over a Unix domain socket rather than TCP.
func ListenUnix(path string) (*net.UnixListener, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	return net.ListenUnix("unix", addr)
}

// DialUnix connects to a broker listening at path and wraps the
// connection for record framing.
func DialUnix(path string) (*Conn, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	nc, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, err
	}
	return NewConn(nc), nil
}
