// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MessageHeaderSize is the number of bytes in a bitcoin message header.
// Bitcoin network (magic) 4 bytes + command 12 bytes + payload length 4 bytes +
// checksum 4 bytes.
const MessageHeaderSize = 24

// CommandSize is the fixed size of all commands in the common bitcoin message
// header.  Shorter commands must be zero padded.
const CommandSize = 12

// MaxMessagePayload is the maximum bytes a message can be regardless of other
// individual limits imposed by messages themselves.
const MaxMessagePayload = (1024 * 1024 * 32) // 32MB

// Commands used in bitcoin message headers which describe the type of message.
const (
	CmdVersion    = "version"
	CmdVerAck     = "verack"
	CmdGetAddr    = "getaddr"
	CmdAddr       = "addr"
	CmdGetHeaders = "getheaders"
	CmdHeaders    = "headers"
	CmdPing       = "ping"
	CmdPong       = "pong"
	CmdReject     = "reject"
)

// Commands which are never decoded but can still be named by a reject.
const (
	cmdBlock = "block"
	cmdTx    = "tx"
)

// ErrUnknownMessage is the error returned when decoding an unknown message.
var ErrUnknownMessage = errors.New("received unknown message")

// ErrIncompleteMessage is returned by Decode when the buffer does not yet hold
// a complete message.  Callers should read more data and try again.
var ErrIncompleteMessage = errors.New("incomplete message")

// Message is an interface that describes a bitcoin message.  A type that
// implements Message has complete control over the representation of its data
// and may therefore contain additional or fewer fields than those which
// are used directly in the protocol encoded message.
type Message interface {
	BtcDecode(io.Reader, uint32) error
	BtcEncode(io.Writer, uint32) error
	Command() string
	MaxPayloadLength(uint32) uint32
}

// makeEmptyMessage creates a message of the appropriate concrete type based
// on the command.
func makeEmptyMessage(command string) (Message, error) {
	var msg Message
	switch command {
	case CmdVersion:
		msg = &MsgVersion{}

	case CmdVerAck:
		msg = &MsgVerAck{}

	case CmdGetAddr:
		msg = &MsgGetAddr{}

	case CmdAddr:
		msg = &MsgAddr{}

	case CmdGetHeaders:
		msg = &MsgGetHeaders{}

	case CmdHeaders:
		msg = &MsgHeaders{}

	case CmdPing:
		msg = &MsgPing{}

	case CmdPong:
		msg = &MsgPong{}

	case CmdReject:
		msg = &MsgReject{}

	default:
		return nil, ErrUnknownMessage
	}
	return msg, nil
}

// messageHeader defines the header structure for all bitcoin protocol messages.
type messageHeader struct {
	magic    BitcoinNet // 4 bytes
	command  string     // 12 bytes
	length   uint32     // 4 bytes
	checksum [4]byte    // 4 bytes
}

// parseMessageHeader decodes a bitcoin message header from the passed fixed
// size buffer.
func parseMessageHeader(headerBytes *[MessageHeaderSize]byte) *messageHeader {
	hr := bytes.NewReader(headerBytes[:])

	// Create and populate a messageHeader struct from the raw header bytes.
	// The reads can't fail since the buffer is exactly the header size.
	hdr := messageHeader{}
	var command [CommandSize]byte
	_ = readElements(hr, &hdr.magic, &command, &hdr.length, &hdr.checksum)

	// Strip trailing zeros from command string.
	hdr.command = string(bytes.TrimRight(command[:], "\x00"))

	return &hdr
}

// readMessageHeader reads a bitcoin message header from r.
func readMessageHeader(r io.Reader) (int, *messageHeader, error) {
	// Since readElements doesn't return the amount of bytes read, attempt
	// to read the entire header into a buffer first in case there is a
	// short read so the proper amount of read bytes are known.  This works
	// since the header is a fixed size.
	var headerBytes [MessageHeaderSize]byte
	n, err := io.ReadFull(r, headerBytes[:])
	if err != nil {
		return n, nil, err
	}

	return n, parseMessageHeader(&headerBytes), nil
}

// checkMessageHeader performs the sanity checks on a message header that do
// not depend on the payload.  It returns an empty message of the type named by
// the command on success.
func checkMessageHeader(hdr *messageHeader, pver uint32,
	btcnet BitcoinNet) (Message, error) {

	// Enforce maximum message payload.
	if hdr.length > MaxMessagePayload {
		str := fmt.Sprintf("message payload is too large - header "+
			"indicates %d bytes, but max message payload is %d "+
			"bytes.", hdr.length, MaxMessagePayload)
		return nil, messageError("ReadMessage", str)
	}

	// Check for messages from the wrong bitcoin network.
	if hdr.magic != btcnet {
		str := fmt.Sprintf("message from other network [%v]", hdr.magic)
		return nil, messageError("ReadMessage", str)
	}

	// Check for malformed commands.
	command := hdr.command
	if !utf8.ValidString(command) {
		str := fmt.Sprintf("invalid command %v", []byte(command))
		return nil, messageError("ReadMessage", str)
	}

	// Create struct of appropriate message type based on the command.
	msg, err := makeEmptyMessage(command)
	if err != nil {
		// makeEmptyMessage can only return ErrUnknownMessage and it is
		// important that we bubble it up to the caller.
		return nil, err
	}

	// Check for maximum length based on the message type as a malicious client
	// could otherwise create a well-formed header and set the length to max
	// numbers in order to exhaust the machine's memory.
	mpl := msg.MaxPayloadLength(pver)
	if hdr.length > mpl {
		str := fmt.Sprintf("payload exceeds max length - header "+
			"indicates %v bytes, but max payload size for "+
			"messages of type [%v] is %v.", hdr.length, command, mpl)
		return nil, messageError("ReadMessage", str)
	}

	return msg, nil
}

// decodePayload verifies the checksum of payload against the header and
// decodes it into msg.  Any failure to decode a payload whose length and
// checksum were already verified is reported as a MessageError since the
// payload structure itself is inconsistent.
func decodePayload(msg Message, hdr *messageHeader, payload []byte,
	pver uint32) error {

	// Test checksum.
	checksum := chainhash.DoubleHashB(payload)[0:4]
	if !bytes.Equal(checksum, hdr.checksum[:]) {
		str := fmt.Sprintf("payload checksum failed - header "+
			"indicates %v, but actual checksum is %v.",
			hdr.checksum, checksum)
		return messageError("ReadMessage", str)
	}

	// Unmarshal message.  NOTE: This must be a *bytes.Buffer since the
	// MsgVersion BtcDecode function requires it.
	pr := bytes.NewBuffer(payload)
	err := msg.BtcDecode(pr, pver)
	if err != nil {
		var msgErr *MessageError
		if errors.As(err, &msgErr) {
			return err
		}
		str := fmt.Sprintf("malformed %s payload: %v", hdr.command, err)
		return messageError("ReadMessage", str)
	}

	return nil
}

// discardInput reads n bytes from reader r in chunks and discards the read
// bytes.  This is used to skip payloads when various errors occur and helps
// prevent rogue nodes from causing massive memory allocation through forging
// header length.  It returns the number of bytes actually discarded.
func discardInput(r io.Reader, n uint32) int {
	maxSize := uint32(10 * 1024) // 10k at a time
	numReads := n / maxSize
	bytesRemaining := n % maxSize
	discarded := 0
	if numReads > 0 {
		buf := make([]byte, maxSize)
		for i := uint32(0); i < numReads; i++ {
			read, err := io.ReadFull(r, buf)
			discarded += read
			if err != nil {
				return discarded
			}
		}
	}
	if bytesRemaining > 0 {
		buf := make([]byte, bytesRemaining)
		read, _ := io.ReadFull(r, buf)
		discarded += read
	}
	return discarded
}

// encodeMessage serializes msg including the message header.
func encodeMessage(msg Message, pver uint32, btcnet BitcoinNet) ([]byte, error) {
	// Enforce max command size.
	var command [CommandSize]byte
	cmd := msg.Command()
	if len(cmd) > CommandSize {
		str := fmt.Sprintf("command [%s] is too long [max %v]",
			cmd, CommandSize)
		return nil, messageError("WriteMessage", str)
	}
	copy(command[:], []byte(cmd))

	// Encode the message payload.
	var bw bytes.Buffer
	err := msg.BtcEncode(&bw, pver)
	if err != nil {
		return nil, err
	}
	payload := bw.Bytes()
	lenp := len(payload)

	// Enforce maximum overall message payload.
	if lenp > MaxMessagePayload {
		str := fmt.Sprintf("message payload is too large - encoded "+
			"%d bytes, but maximum message payload is %d bytes",
			lenp, MaxMessagePayload)
		return nil, messageError("WriteMessage", str)
	}

	// Enforce maximum message payload based on the message type.
	mpl := msg.MaxPayloadLength(pver)
	if uint32(lenp) > mpl {
		str := fmt.Sprintf("message payload is too large - encoded "+
			"%d bytes, but maximum message payload size for "+
			"messages of type [%s] is %d.", lenp, cmd, mpl)
		return nil, messageError("WriteMessage", str)
	}

	// Create header for the message.
	hdr := messageHeader{}
	hdr.magic = btcnet
	hdr.command = cmd
	hdr.length = uint32(lenp)
	copy(hdr.checksum[:], chainhash.DoubleHashB(payload)[0:4])

	// Encode the header followed by the payload.
	var hw bytes.Buffer
	hw.Grow(MessageHeaderSize + lenp)
	_ = writeElements(&hw, hdr.magic, command, hdr.length, hdr.checksum)
	hw.Write(payload)

	return hw.Bytes(), nil
}

// Encode returns the complete wire encoding, header and payload, of msg for
// the provided protocol version and bitcoin network.  The encoding is
// deterministic.
func Encode(msg Message, pver uint32, btcnet BitcoinNet) ([]byte, error) {
	return encodeMessage(msg, pver, btcnet)
}

// Decode parses the first message in b for the provided protocol version and
// bitcoin network.  It returns the message along with the number of bytes of b
// the message occupied.
//
// ErrIncompleteMessage is returned when b does not yet contain a full message.
// ErrUnknownMessage is returned for well-framed messages with an unrecognized
// command, in which case the returned count still covers the whole frame so
// the caller may skip it.  All other failures are *MessageError values.
//
// Decode never blocks and does not retain b.
func Decode(b []byte, pver uint32, btcnet BitcoinNet) (Message, int, error) {
	if len(b) < MessageHeaderSize {
		return nil, 0, ErrIncompleteMessage
	}

	var headerBytes [MessageHeaderSize]byte
	copy(headerBytes[:], b)
	hdr := parseMessageHeader(&headerBytes)

	// The length prefix is checked by checkMessageHeader, but the magic
	// and overall size checks must come first so garbage is never mistaken
	// for a short frame.
	msg, err := checkMessageHeader(hdr, pver, btcnet)
	total := MessageHeaderSize + int(hdr.length)
	if err != nil {
		if errors.Is(err, ErrUnknownMessage) {
			if len(b) < total {
				return nil, 0, ErrIncompleteMessage
			}
			return nil, total, err
		}
		return nil, 0, err
	}
	if len(b) < total {
		return nil, 0, ErrIncompleteMessage
	}

	payload := make([]byte, hdr.length)
	copy(payload, b[MessageHeaderSize:total])
	if err := decodePayload(msg, hdr, payload, pver); err != nil {
		return nil, 0, err
	}

	return msg, total, nil
}

// WriteMessageN writes a bitcoin Message to w including the necessary header
// information and returns the number of bytes written.    This function is the
// same as WriteMessage except it also returns the number of bytes written.
func WriteMessageN(w io.Writer, msg Message, pver uint32, btcnet BitcoinNet) (int, error) {
	frame, err := encodeMessage(msg, pver, btcnet)
	if err != nil {
		return 0, err
	}

	// Write header and payload in one call so a concurrent reader on the
	// other side of a pipe never sees a partial frame followed by a hang.
	return w.Write(frame)
}

// WriteMessage writes a bitcoin Message to w including the necessary header
// information.  This function is the same as WriteMessageN except it doesn't
// doesn't return the number of bytes written.  This function is mainly provided
// for backwards compatibility with the original API, but it's also useful for
// callers that don't care about byte counts.
func WriteMessage(w io.Writer, msg Message, pver uint32, btcnet BitcoinNet) error {
	_, err := WriteMessageN(w, msg, pver, btcnet)
	return err
}

// ReadMessageN reads, validates, and parses the next bitcoin Message from r for
// the provided protocol version and bitcoin network.  It returns the number of
// bytes read in addition to the parsed Message and raw bytes which comprise the
// message.  This function is the same as ReadMessage except it also returns the
// number of bytes read.
func ReadMessageN(r io.Reader, pver uint32, btcnet BitcoinNet) (int, Message, []byte, error) {
	totalBytes := 0
	n, hdr, err := readMessageHeader(r)
	totalBytes += n
	if err != nil {
		return totalBytes, nil, nil, err
	}

	msg, err := checkMessageHeader(hdr, pver, btcnet)
	if err != nil {
		// Skip the payload of messages which can't be decoded unless
		// the header itself claims an absurd length.
		if hdr.length <= MaxMessagePayload {
			totalBytes += discardInput(r, hdr.length)
		}
		return totalBytes, nil, nil, err
	}

	// Read payload.
	payload := make([]byte, hdr.length)
	n, err = io.ReadFull(r, payload)
	totalBytes += n
	if err != nil {
		return totalBytes, nil, nil, err
	}

	if err := decodePayload(msg, hdr, payload, pver); err != nil {
		return totalBytes, nil, nil, err
	}

	return totalBytes, msg, payload, nil
}

// ReadMessage reads, validates, and parses the next bitcoin Message from r for
// the provided protocol version and bitcoin network.  It returns the parsed
// Message and raw bytes which comprise the message.  This function only differs
// from ReadMessageN in that it doesn't return the number of bytes read.  This
// function is mainly provided for backwards compatibility with the original
// API, but it's also useful for callers that don't care about byte counts.
func ReadMessage(r io.Reader, pver uint32, btcnet BitcoinNet) (Message, []byte, error) {
	_, msg, buf, err := ReadMessageN(r, pver, btcnet)
	return msg, buf, err
}
