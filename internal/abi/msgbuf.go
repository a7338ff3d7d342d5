package abi

import "encoding/binary"

// MsgBuf marshals and unmarshals register-word messages. Syscall requests,
// replies, and resource-manager operations are sequences of 64-bit words,
// with strings encoded as a length word followed by padded bytes.
type MsgBuf struct {
	buf []byte
	pos int
	err bool
}

// NewMsgBuf returns an empty message buffer for writing.
func NewMsgBuf() *MsgBuf {
	return &MsgBuf{buf: make([]byte, 0, 64)}
}

// ParseMsgBuf wraps received bytes for reading.
func ParseMsgBuf(b []byte) *MsgBuf {
	return &MsgBuf{buf: b}
}

// Bytes returns the encoded message.
func (m *MsgBuf) Bytes() []byte {
	return m.buf
}

// Ok reports whether all reads so far were in bounds.
func (m *MsgBuf) Ok() bool {
	return !m.err
}

// PutU64 appends one register word.
func (m *MsgBuf) PutU64(v uint64) *MsgBuf {
	m.buf = binary.LittleEndian.AppendUint64(m.buf, v)
	return m
}

// PutStr appends a length word followed by the string bytes, padded to a
// word boundary.
func (m *MsgBuf) PutStr(s string) *MsgBuf {
	m.PutU64(uint64(len(s)))
	m.buf = append(m.buf, s...)
	for len(m.buf)%8 != 0 {
		m.buf = append(m.buf, 0)
	}
	return m
}

// PutBuf appends the contents of another buffer.
func (m *MsgBuf) PutBuf(other *MsgBuf) *MsgBuf {
	m.buf = append(m.buf, other.buf...)
	return m
}

// Rest returns the unread remainder of the buffer.
func (m *MsgBuf) Rest() []byte {
	return m.buf[m.pos:]
}

// U64 reads the next register word. Out-of-bounds reads return zero and mark
// the buffer as failed.
func (m *MsgBuf) U64() uint64 {
	if m.pos+8 > len(m.buf) {
		m.err = true
		return 0
	}
	v := binary.LittleEndian.Uint64(m.buf[m.pos:])
	m.pos += 8
	return v
}

// Str reads a string encoded by PutStr.
func (m *MsgBuf) Str() string {
	n := int(m.U64())
	if m.err || m.pos+n > len(m.buf) {
		m.err = true
		return ""
	}
	s := string(m.buf[m.pos : m.pos+n])
	m.pos += n
	for m.pos%8 != 0 {
		m.pos++
	}
	return s
}
