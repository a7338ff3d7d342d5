package tcu

// Message is one received message slot. The header fields mirror what the
// hardware stores in front of the payload; Data aliases the slot until the
// slot is acked or replied to, so handlers must copy what they keep.
type Message struct {
	// Label identifies the sending gate, as configured in the send endpoint.
	Label Label
	// ReplyLabel is the label the sender wants replies to carry.
	ReplyLabel Label
	// SenderTile and SenderEP locate the sending endpoint.
	SenderTile TileID
	SenderEP   EpId
	// ReplyEP is the sender-side receive endpoint for replies, or InvalidEP.
	ReplyEP EpId
	// IsReply marks messages delivered through a reply command.
	IsReply bool
	// Data is the payload.
	Data []byte

	// receiving endpoint and slot index, for reply/ack
	rep  EpId
	slot uint
}

// Slot returns the slot index the message occupies in its receive buffer.
func (m *Message) Slot() uint {
	return m.slot
}

// RecvEP returns the endpoint the message was received on.
func (m *Message) RecvEP() EpId {
	return m.rep
}
