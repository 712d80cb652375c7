// Package wire implements the PostgreSQL v3 message framing: raw
// read/write of the one-byte-type + four-byte-length envelope,
// streaming relay of oversize DataRow/CopyData payloads without
// buffering them whole, and the global memory-budget accounting that
// caps how many in-flight bytes the pooler may hold at once. Typed
// decode/encode of individual message bodies is left to
// github.com/jackc/pgx/v5/pgproto3 (internal/backend, internal/session);
// this package only owns the framing and the streaming fast path the
// typed layer isn't suited for.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/doorman/doorman/internal/perr"
)

// Message types that may require streaming treatment.
const (
	TypeDataRow  byte = 'D'
	TypeCopyData byte = 'd'
)

// streamChunkSize bounds each relayed chunk when streaming an oversize
// message to 1 MiB.
const streamChunkSize = 1 << 20

// Frame is a decoded message envelope: its type byte and payload length
// (the length field is inclusive of itself, so Payload is len-4 bytes).
type Frame struct {
	Type    byte
	Length  uint32 // as read off the wire, inclusive of the length field
	Payload []byte // nil when the frame was streamed rather than buffered
}

// ReadMessage reads one length-prefixed message from r: a type byte
// followed by a four-byte big-endian length (inclusive of itself) and
// then the payload. It fails with a wrapped perr.ErrProtocolViolation if
// the length is below the four-byte minimum, with a wrapped
// perr.ErrMessageTooLarge if the length exceeds maxMessageSize, and with
// the reader's own error (io.EOF or io.ErrUnexpectedEOF) if the stream
// ends mid-message.
func ReadMessage(r io.Reader, maxMessageSize int) (*Frame, error) {
	var typeBuf [1]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return nil, err
	}
	return readMessageBody(r, typeBuf[0], maxMessageSize)
}

// ReadStartupMessage reads the special type-byte-less initial message
// (Startup or SSLRequest/GSSENCRequest), which is only a four-byte
// length followed by the payload.
func ReadStartupMessage(r io.Reader, maxMessageSize int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 4 {
		return nil, perr.Wrap(perr.SeverityFatal, perr.CodeProtocolViolation, "startup message length below minimum", perr.ErrProtocolViolation)
	}
	if int(length) > maxMessageSize {
		return nil, perr.Wrap(perr.SeverityFatal, perr.CodeProtocolViolation, "startup message exceeds max_message_size", perr.ErrMessageTooLarge)
	}
	payload := make([]byte, length-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func readMessageBody(r io.Reader, msgType byte, maxMessageSize int) (*Frame, error) {
	length, err := readLength(r, msgType, maxMessageSize)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, length-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return &Frame{Type: msgType, Length: length, Payload: payload}, nil
}

func readLength(r io.Reader, msgType byte, maxMessageSize int) (uint32, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 4 {
		return 0, perr.Wrap(perr.SeverityFatal, perr.CodeProtocolViolation, "message length below minimum", perr.ErrProtocolViolation)
	}
	if int(length) > maxMessageSize {
		return 0, perr.Wrap(perr.SeverityFatal, perr.CodeProtocolViolation, fmt.Sprintf("message of type %q exceeds max_message_size", msgType), perr.ErrMessageTooLarge)
	}
	return length, nil
}

// PeekHeader reads one message's type byte and length off r without
// consuming its payload, so a caller can decide whether to stream the
// body (ShouldStream/StreamMessage) or buffer it (ReadMessage's usual
// io.ReadFull) before committing to either.
func PeekHeader(r io.Reader, maxMessageSize int) (msgType byte, length uint32, err error) {
	var typeBuf [1]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return 0, 0, err
	}
	length, err = readLength(r, typeBuf[0], maxMessageSize)
	if err != nil {
		return 0, 0, err
	}
	return typeBuf[0], length, nil
}

// WriteMessage writes a fully-buffered frame verbatim: type byte, the
// length field, and the payload, without copying if the caller already
// has the bytes contiguous.
func WriteMessage(w io.Writer, msgType byte, payload []byte) error {
	header := make([]byte, 5)
	header[0] = msgType
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)+4))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ShouldStream reports whether a message of msgType and length should be
// relayed via StreamMessage instead of buffered whole, per the
// message_size_to_be_stream threshold.
func ShouldStream(msgType byte, length uint32, threshold int) bool {
	if threshold <= 0 {
		return false
	}
	return (msgType == TypeDataRow || msgType == TypeCopyData) && int(length) > threshold
}

// StreamMessage relays a message's header and payload directly from src
// to dst in bounded chunks, without buffering the whole payload in
// memory. It must be called with the type byte and length already
// consumed from src (the caller read them to decide streaming applies),
// and writes the same header to dst before copying the body through in
// streamChunkSize pieces. Streaming never intermixes bytes from two
// messages because the copy is bounded to exactly length-4 payload bytes.
func StreamMessage(dst io.Writer, src io.Reader, msgType byte, length uint32) error {
	header := make([]byte, 5)
	header[0] = msgType
	binary.BigEndian.PutUint32(header[1:], length)
	if _, err := dst.Write(header); err != nil {
		return err
	}
	remaining := int64(length) - 4
	buf := make([]byte, streamChunkSize)
	for remaining > 0 {
		chunk := int64(len(buf))
		if remaining < chunk {
			chunk = remaining
		}
		n, err := io.ReadFull(src, buf[:chunk])
		if err != nil {
			return fmt.Errorf("streaming message body: %w", err)
		}
		if _, err := dst.Write(buf[:n]); err != nil {
			return fmt.Errorf("writing streamed chunk: %w", err)
		}
		remaining -= int64(n)
	}
	return nil
}
