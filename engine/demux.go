package engine

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/buger/jsonparser"

	"github.com/gaspardpetit/livelink/protocol"
)

// frameHandler receives the classified contents of inbound frames.
type frameHandler interface {
	authReply(body []byte)
	heartbeatReply(body []byte)
	message(cmd, payload string)
	frameError(err error)
	debug(msg string)
}

// demultiplex splits one transport message into frames and hands each to h.
// Compressed frames are inflated and their inner frames walked in a second
// loop; inner frames are never compressed again, so depth is exactly one.
func demultiplex(data []byte, h frameHandler) {
	s := protocol.NewSplitter(data)
	for s.Next() {
		if err := s.FrameErr(); err != nil {
			h.frameError(err)
			continue
		}
		f := s.Frame()
		if f.Version != protocol.VersionZlib {
			dispatch(f, h)
			continue
		}
		inflated, err := protocol.Inflate(f.Body)
		if err != nil {
			h.frameError(err)
			continue
		}
		inner := protocol.NewSplitter(inflated)
		for inner.Next() {
			if err := inner.FrameErr(); err != nil {
				h.frameError(err)
				continue
			}
			g := inner.Frame()
			if g.Version == protocol.VersionZlib {
				h.frameError(fmt.Errorf("%w: nested compressed frame", ErrMessageFormat))
				continue
			}
			dispatch(g, h)
		}
		if err := inner.Err(); err != nil {
			h.frameError(err)
		}
	}
	if err := s.Err(); err != nil {
		h.frameError(err)
	}
}

func dispatch(f protocol.Frame, h frameHandler) {
	switch f.Op {
	case protocol.OpMessage:
		cmd, err := parseMessage(f.Body)
		if err != nil {
			h.frameError(err)
			return
		}
		h.message(cmd, string(f.Body))
	case protocol.OpHeartbeatReply:
		h.heartbeatReply(f.Body)
	case protocol.OpAuthReply:
		h.authReply(f.Body)
	default:
		h.debug(fmt.Sprintf("ignored %s frame (version %d, %d bytes)", f.Op, f.Version, len(f.Body)))
	}
}

// parseMessage validates a MESSAGE body and returns its "cmd" tag.
func parseMessage(body []byte) (string, error) {
	if !utf8.Valid(body) {
		return "", fmt.Errorf("%w: body is not valid UTF-8", ErrMessageFormat)
	}
	if !json.Valid(body) {
		return "", fmt.Errorf("%w: body is not valid JSON", ErrMessageFormat)
	}
	cmd, err := jsonparser.GetString(body, "cmd")
	if err != nil {
		return "", fmt.Errorf("%w: cmd: %v", ErrMessageFormat, err)
	}
	return cmd, nil
}

// parseAuthReply reports whether an AUTH_REPLY body signals success.
// The server answers with {"code": 0} on success.
func parseAuthReply(body []byte) (bool, string) {
	code, err := jsonparser.GetInt(body, "code")
	if err != nil {
		return false, fmt.Sprintf("auth rejected: %v", err)
	}
	if code != 0 {
		return false, fmt.Sprintf("auth rejected: code %d", code)
	}
	return true, ""
}
