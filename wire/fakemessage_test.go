// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"io"
)

// fakeMessage implements the Message interface and is used to force encode
// errors in messages.
type fakeMessage struct {
	command        string
	payload        []byte
	forceEncodeErr bool
	forceLenErr    bool
}

// BtcDecode doesn't do anything.
func (msg *fakeMessage) BtcDecode(r io.Reader, pver uint32) error {
	return nil
}

// BtcEncode writes the payload field of the fake message or forces an error
// if the forceEncodeErr flag of the fake message is set.
func (msg *fakeMessage) BtcEncode(w io.Writer, pver uint32) error {
	if msg.forceEncodeErr {
		return messageError("fakeMessage.BtcEncode", "intentional error")
	}

	_, err := w.Write(msg.payload)
	return err
}

// Command returns the command field of the fake message.
func (msg *fakeMessage) Command() string {
	return msg.command
}

// MaxPayloadLength returns the length of the payload field of fake message
// or a smaller value if the forceLenErr flag of the fake message is set.
func (msg *fakeMessage) MaxPayloadLength(pver uint32) uint32 {
	lenp := uint32(len(msg.payload))
	if msg.forceLenErr {
		return lenp - 1
	}

	return lenp
}

// fixedReader implements the io.Reader interface and returns io.EOF once max
// bytes have been handed out.
type fixedReader struct {
	iobuf *bytes.Buffer
}

// Read reads the next len(p) bytes from the fixed reader.
func (fr *fixedReader) Read(p []byte) (int, error) {
	return fr.iobuf.Read(p)
}

// newFixedReader returns a new io.Reader that will error once more bytes than
// the specified max have been read.
func newFixedReader(max int, buf []byte) io.Reader {
	b := make([]byte, max)
	copy(b, buf)
	return &fixedReader{iobuf: bytes.NewBuffer(b)}
}
