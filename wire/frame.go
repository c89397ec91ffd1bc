// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/revskill10/ream-sub002/errs"
)

// DefaultMaxFrameBytes is the default maximum payload length accepted by
// ReadFrame, matching spec §4.1's 1 MiB default.
const DefaultMaxFrameBytes = 1 << 20

// FrameLengthBytes is the size of the length prefix.
const FrameLengthBytes = 4

// WriteFrame writes a self-delimited frame: a 4-byte big-endian length
// followed by payload. It performs a single Write call so a partial
// write never leaves a caller's stream half-framed.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, FrameLengthBytes+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[FrameLengthBytes:], payload)
	if _, err := w.Write(buf); err != nil {
		return errs.Wrap(errs.SendFailed, "writing frame", err)
	}
	return nil
}

// ReadFrame reads one self-delimited frame. If the encoded length exceeds
// maxFrameBytes, it fails with InvalidMessage without reading the
// (oversized) payload, leaving the stream desynchronized — callers must
// close the connection in that case rather than keep reading.
func ReadFrame(r io.Reader, maxFrameBytes uint32) ([]byte, error) {
	var lenBuf [FrameLengthBytes]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxFrameBytes {
		return nil, errs.New(errs.InvalidMessage, fmt.Sprintf("frame length %d exceeds max %d", length, maxFrameBytes))
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errs.Wrap(errs.ReceiveFailed, "reading frame payload", err)
	}
	return payload, nil
}

// EncodeFrame is a convenience combining Encode and the frame length
// prefix into one buffer, for callers that want a single []byte to hand
// to a queued writer.
func EncodeFrame(e Envelope) ([]byte, error) {
	payload, err := Encode(e)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, FrameLengthBytes+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[FrameLengthBytes:], payload)
	return buf, nil
}
