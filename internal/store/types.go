package store

import (
	"github.com/dougsko/rfmp/internal/rfmp"
)

// Message is the durable form of spec §3.1's Message entity.
type Message struct {
	ID            rfmp.ID
	FromNode      string
	Author        string
	Timestamp     uint32
	Channel       string
	Priority      rfmp.Priority
	ReplyTo       *rfmp.ID
	Body          []byte
	TransmittedAt *uint32
	ReceivedAt    *uint32
}

// InsertOutcome distinguishes a fresh insert from a no-op duplicate.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	Duplicate
)

// Fragment is one durable FRAG row (spec §3.1).
type Fragment struct {
	FromNode string
	MsgID    rfmp.ID
	Seq      uint8
	Total    uint8
	Payload  []byte
}

// Purpose identifies what kind of frame a TransmissionQueueEntry carries.
type Purpose string

const (
	PurposeMSG  Purpose = "MSG"
	PurposeFRAG Purpose = "FRAG"
	PurposeSYNC Purpose = "SYNC"
	PurposeREQ  Purpose = "REQ"
)

// TxQueueEntry is a durable row in the transmission queue (spec §3.1).
type TxQueueEntry struct {
	ID             string // opaque xid, not an RFMP message id
	FrameBytes     []byte
	Priority       int
	Purpose        Purpose
	MsgID          *rfmp.ID // originating message, for transmitted_at bookkeeping
	EnqueuedAt     uint32
	Attempts       int
	NextEligibleAt uint32
	LeasedUntil    *uint32
}

// BloomWindowRow is the durable form of one BloomWindow (spec §3.1).
type BloomWindowRow struct {
	WindowIndex int    `db:"window_index"`
	OpenedAt    uint32 `db:"opened_at"`
	Salt        uint32 `db:"salt"`
	K           int    `db:"k"`
	MLog2       int    `db:"m_log2"`
	Bits        []byte `db:"bits"`
	Count       int    `db:"count"`
}

// Node is the durable form of spec §3.1's Node entity.
type Node struct {
	Callsign    string `db:"callsign"`
	FirstSeen   uint32 `db:"first_seen"`
	LastSeen    uint32 `db:"last_seen"`
	PacketCount int    `db:"packet_count"`
}

// Channel is the durable form of spec §3.1's Channel entity.
type Channel struct {
	Name         string `db:"name"`
	MessageCount int    `db:"message_count"`
	LastActivity uint32 `db:"last_activity"`
}

// ListFilter narrows ListMessages per spec §6.3's query_messages.
type ListFilter struct {
	Channel *string
	Since   *uint32
	Limit   int
}
