// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import "fmt"

// CodecVersion stamps an envelope schema generation, letting the payload
// format evolve without changing the outer [u32 length][payload] frame
// contract.
type CodecVersion uint16

// CurrentVersion is the only schema generation in service; it matches
// handshake protocol version 1.
const CurrentVersion CodecVersion = 1

// Codec provides version-checked envelope marshaling. The zero value is
// ready to use.
type Codec struct{}

// Marshal encodes e under the given schema version.
func (Codec) Marshal(version CodecVersion, e Envelope) ([]byte, error) {
	if version != CurrentVersion {
		return nil, fmt.Errorf("unsupported codec version: %d", version)
	}
	return Encode(e)
}

// Unmarshal decodes one envelope, reporting the schema version it was
// read under.
func (Codec) Unmarshal(data []byte) (Envelope, CodecVersion, error) {
	e, err := Decode(data)
	if err != nil {
		return nil, 0, err
	}
	return e, CurrentVersion, nil
}
