package parser

import (
	"time"

	"github.com/oklog/ulid/v2"
)

type commandKind int

const (
	cmdStartParsing commandKind = iota
	cmdDestroyThread
	cmdToggleLowPower
	cmdCreateSession
	cmdDeleteSession
	cmdCreateOffsets
	cmdDeleteOffsets
	cmdAdjustForSeek
)

func (k commandKind) String() string {
	switch k {
	case cmdStartParsing:
		return "start_parsing"
	case cmdDestroyThread:
		return "destroy_thread"
	case cmdToggleLowPower:
		return "toggle_low_power"
	case cmdCreateSession:
		return "create_session"
	case cmdDeleteSession:
		return "delete_session"
	case cmdCreateOffsets:
		return "create_offsets"
	case cmdDeleteOffsets:
		return "delete_offsets"
	case cmdAdjustForSeek:
		return "adjust_for_seek"
	default:
		return "unknown"
	}
}

// command is one message for the worker. Only the fields relevant to kind
// are set.
type command struct {
	id   ulid.ULID
	kind commandKind

	track          Track
	prepareOffsets bool
	enabled        bool
	session        *session
	position       time.Duration

	// ack is buffered so the worker never blocks on a caller that gave up.
	ack chan result
}

type result struct {
	err      error
	info     SessionInfo
	position time.Duration
}

func newCommand(kind commandKind) command {
	return command{id: ulid.Make(), kind: kind}
}

func (c command) withAck() command {
	c.ack = make(chan result, 1)
	return c
}

func (c command) reply(r result) {
	if c.ack != nil {
		c.ack <- r
	}
}
