// Package control implements the client<->broker control channel (spec
// §4.9, §6): fixed-size, self-describing binary records carrying the
// REG_APP / UNREG_APP / CREATE_PUB / CREATE_SUB / REMOVE_PORT / KEEP_ALIVE
// requests and their replies, framed with a length prefix over a
// net.UnixConn.
package control

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Kind is the first field of every record: the message kind.
type Kind uint8

const (
	KindRegApp Kind = iota + 1
	KindRegAppReply
	KindUnregApp
	KindUnregAppReply
	KindCreatePub
	KindCreatePubReply
	KindCreateSub
	KindCreateSubReply
	KindRemovePort
	KindRemovePortReply
	KindKeepAlive
	KindKeepAliveReply
)

func (k Kind) String() string {
	switch k {
	case KindRegApp:
		return "REG_APP"
	case KindRegAppReply:
		return "REG_APP_REPLY"
	case KindUnregApp:
		return "UNREG_APP"
	case KindUnregAppReply:
		return "UNREG_APP_REPLY"
	case KindCreatePub:
		return "CREATE_PUB"
	case KindCreatePubReply:
		return "CREATE_PUB_REPLY"
	case KindCreateSub:
		return "CREATE_SUB"
	case KindCreateSubReply:
		return "CREATE_SUB_REPLY"
	case KindRemovePort:
		return "REMOVE_PORT"
	case KindRemovePortReply:
		return "REMOVE_PORT_REPLY"
	case KindKeepAlive:
		return "KEEP_ALIVE"
	case KindKeepAliveReply:
		return "KEEP_ALIVE_REPLY"
	default:
		return "UNKNOWN"
	}
}

// ErrorCode is carried by reply records; spec §7's protocol/capacity
// taxonomy, flattened to a wire-sized tag.
type ErrorCode uint16

const (
	OK ErrorCode = iota
	ErrPortCapacity
	ErrUnknownApp
	ErrUnknownHandle
	ErrMalformed
)

func (c ErrorCode) String() string {
	switch c {
	case OK:
		return "OK"
	case ErrPortCapacity:
		return "PORT_CAPACITY"
	case ErrUnknownApp:
		return "UNKNOWN_APP"
	case ErrUnknownHandle:
		return "UNKNOWN_HANDLE"
	case ErrMalformed:
		return "MALFORMED"
	default:
		return "UNKNOWN"
	}
}

// flagTruncated marks that a capped string field was cut short.
const flagTruncated uint8 = 1 << 0

const (
	nameCap   = 32 // AppName
	descCap   = 24 // Service/Instance/Event and segment name/access group
	maxSegs   = 8
	segRecLen = 4 + descCap + 1 + descCap + 1 + 8
)

// RecordSize is the fixed wire size of every control-channel message.
const RecordSize = 174 + maxSegs*segRecLen

// SegmentDescriptor is one entry of a REG_APP reply's segment list: enough
// for a client to open and map the named segment (spec §6's handshake
// step 3).
type SegmentDescriptor struct {
	ID          uint32
	Name        string
	AccessGroup string
	Size        uint64
}

// Record is one fixed-size control-channel message. Every field is
// present in every record; unused fields for a given Kind are simply
// zero, matching the "each message is fixed-size and self-describing"
// requirement rather than a tagged union.
type Record struct {
	Kind      Kind
	Flags     uint8
	ErrorCode ErrorCode
	RequestID uint64
	AppID     uuid.UUID // echoed by the client on every request after REG_APP_REPLY

	PID uint64

	AppName string // REG_APP

	Service  string // CREATE_PUB / CREATE_SUB
	Instance string
	Event    string

	HistoryDepth   uint32 // CREATE_PUB: configured history depth
	MaxConnections uint32 // CREATE_PUB: connection-list capacity
	QueueCapacity  uint32 // CREATE_SUB: delivery queue capacity
	OverflowPolicy uint8  // CREATE_SUB: 0 = RejectNew, 1 = DiscardOldest (queue.OverflowPolicy's own order)

	PortHandle uuid.UUID // CREATE_PUB_REPLY / CREATE_SUB_REPLY / REMOVE_PORT

	Segments []SegmentDescriptor // REG_APP_REPLY, truncated to maxSegs
}

func putString(buf []byte, off, cap int, s string) (truncated bool) {
	n := len(s)
	if n > cap {
		n = cap
		truncated = true
	}
	copy(buf[off:off+cap], s[:n])
	buf[off+cap] = byte(n)
	return truncated
}

func getString(buf []byte, off, cap int) string {
	n := int(buf[off+cap])
	if n > cap {
		n = cap
	}
	return string(buf[off : off+n])
}

// Marshal encodes r into buf, which must be exactly RecordSize bytes.
func (r Record) Marshal(buf []byte) error {
	if len(buf) != RecordSize {
		return fmt.Errorf("control: marshal buffer is %d bytes, want %d", len(buf), RecordSize)
	}
	for i := range buf {
		buf[i] = 0
	}

	buf[0] = byte(r.Kind)
	flags := r.Flags
	binary.LittleEndian.PutUint16(buf[2:4], uint16(r.ErrorCode))
	binary.LittleEndian.PutUint64(buf[4:12], r.RequestID)
	copy(buf[12:28], r.AppID[:])
	binary.LittleEndian.PutUint64(buf[28:36], r.PID)

	off := 36
	if putString(buf, off, nameCap, r.AppName) {
		flags |= flagTruncated
	}
	off += nameCap + 1
	if putString(buf, off, descCap, r.Service) {
		flags |= flagTruncated
	}
	off += descCap + 1
	if putString(buf, off, descCap, r.Instance) {
		flags |= flagTruncated
	}
	off += descCap + 1
	if putString(buf, off, descCap, r.Event) {
		flags |= flagTruncated
	}
	off += descCap + 1

	binary.LittleEndian.PutUint32(buf[off:off+4], r.HistoryDepth)
	binary.LittleEndian.PutUint32(buf[off+4:off+8], r.MaxConnections)
	binary.LittleEndian.PutUint32(buf[off+8:off+12], r.QueueCapacity)
	buf[off+12] = r.OverflowPolicy
	off += 13

	copy(buf[off:off+16], r.PortHandle[:])
	off += 16

	segs := r.Segments
	if len(segs) > maxSegs {
		segs = segs[:maxSegs]
		flags |= flagTruncated
	}
	buf[off] = byte(len(segs))
	off++
	for _, s := range segs {
		binary.LittleEndian.PutUint32(buf[off:off+4], s.ID)
		putString(buf, off+4, descCap, s.Name)
		putString(buf, off+4+descCap+1, descCap, s.AccessGroup)
		binary.LittleEndian.PutUint64(buf[off+4+2*(descCap+1):off+4+2*(descCap+1)+8], s.Size)
		off += segRecLen
	}

	buf[1] = flags
	return nil
}

// Unmarshal decodes buf (exactly RecordSize bytes) into r.
func (r *Record) Unmarshal(buf []byte) error {
	if len(buf) != RecordSize {
		return fmt.Errorf("control: unmarshal buffer is %d bytes, want %d", len(buf), RecordSize)
	}
	r.Kind = Kind(buf[0])
	r.Flags = buf[1]
	r.ErrorCode = ErrorCode(binary.LittleEndian.Uint16(buf[2:4]))
	r.RequestID = binary.LittleEndian.Uint64(buf[4:12])
	copy(r.AppID[:], buf[12:28])
	r.PID = binary.LittleEndian.Uint64(buf[28:36])

	off := 36
	r.AppName = getString(buf, off, nameCap)
	off += nameCap + 1
	r.Service = getString(buf, off, descCap)
	off += descCap + 1
	r.Instance = getString(buf, off, descCap)
	off += descCap + 1
	r.Event = getString(buf, off, descCap)
	off += descCap + 1

	r.HistoryDepth = binary.LittleEndian.Uint32(buf[off : off+4])
	r.MaxConnections = binary.LittleEndian.Uint32(buf[off+4 : off+8])
	r.QueueCapacity = binary.LittleEndian.Uint32(buf[off+8 : off+12])
	r.OverflowPolicy = buf[off+12]
	off += 13

	copy(r.PortHandle[:], buf[off:off+16])
	off += 16

	segCount := int(buf[off])
	off++
	r.Segments = nil
	for i := 0; i < segCount && i < maxSegs; i++ {
		r.Segments = append(r.Segments, SegmentDescriptor{
			ID:          binary.LittleEndian.Uint32(buf[off : off+4]),
			Name:        getString(buf, off+4, descCap),
			AccessGroup: getString(buf, off+4+descCap+1, descCap),
			Size:        binary.LittleEndian.Uint64(buf[off+4+2*(descCap+1) : off+4+2*(descCap+1)+8]),
		})
		off += segRecLen
	}
	return nil
}

// Truncated reports whether any capped string or the segment list was cut
// short during Marshal.
func (r Record) Truncated() bool { return r.Flags&flagTruncated != 0 }
