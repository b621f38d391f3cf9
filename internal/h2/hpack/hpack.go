// Package hpack wraps golang.org/x/net/http2/hpack to provide the two
// independent encode/decode contexts a connection needs (RFC 7541): one
// fed by the peer (decode) and one fed to the peer (encode), each with its
// own dynamic table governed by SETTINGS_HEADER_TABLE_SIZE.
package hpack

import (
	"bytes"
	"fmt"
	"sync"

	"golang.org/x/net/http2/hpack"
)

// HeaderField is a decoded or to-be-encoded header, kept as a plain pair
// rather than hpack.HeaderField so callers outside this package don't need
// to import golang.org/x/net/http2/hpack themselves.
type HeaderField [2]string

// Encoder holds one dynamic table and encodes header lists against it.
// The zero value is not usable; construct with NewEncoder.
type Encoder struct {
	mu  sync.Mutex
	enc *hpack.Encoder
	buf *bytes.Buffer
}

// NewEncoder creates an Encoder with the given initial dynamic table size.
func NewEncoder(tableSize uint32) *Encoder {
	buf := new(bytes.Buffer)
	enc := hpack.NewEncoder(buf)
	enc.SetMaxDynamicTableSize(tableSize)
	return &Encoder{enc: enc, buf: buf}
}

// SetMaxDynamicTableSize applies a new negotiated table size, e.g. in
// response to the peer's SETTINGS_HEADER_TABLE_SIZE. It also causes the
// next Encode call to emit a dynamic-table-size-update instruction, per
// RFC 7541 Section 6.3.
func (e *Encoder) SetMaxDynamicTableSize(size uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enc.SetMaxDynamicTableSize(size)
}

// Encode HPACK-encodes headers in order, returning a copy of the encoded
// block. Safe for concurrent use; calls are serialized.
func (e *Encoder) Encode(headers []HeaderField) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buf.Reset()
	for _, h := range headers {
		if err := e.enc.WriteField(hpack.HeaderField{Name: h[0], Value: h[1]}); err != nil {
			return nil, fmt.Errorf("hpack: encode %q: %w", h[0], err)
		}
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out, nil
}

// Decoder holds one dynamic table and decodes header blocks against it.
// A connection has exactly one Decoder shared across all inbound streams;
// callers MUST feed header blocks to Decode in the exact order they arrived
// on the wire (RFC 7541 Section 2.2) even if the owning stream was reset
// in the meantime — the compression context does not know about streams.
type Decoder struct {
	dec      *hpack.Decoder
	maxTable uint32
}

// NewDecoder creates a Decoder that will fail with an error (to be
// reported as COMPRESSION_ERROR by the caller) if the peer attempts a
// dynamic-table-size-update larger than maxTableSize.
func NewDecoder(maxTableSize uint32) *Decoder {
	d := &Decoder{maxTable: maxTableSize}
	d.dec = hpack.NewDecoder(maxTableSize, nil)
	return d
}

// SetMaxDynamicTableSize updates the ceiling enforced on inbound
// dynamic-table-size-update instructions, e.g. when this side's own
// SETTINGS_HEADER_TABLE_SIZE changes.
func (d *Decoder) SetMaxDynamicTableSize(size uint32) {
	d.maxTable = size
	d.dec.SetMaxDynamicTableSize(size)
}

// Decode decodes one complete header block (already reassembled from
// HEADERS + any CONTINUATION fragments) and returns the header list in
// order. Any failure — invalid index, incomplete integer, invalid Huffman
// padding, or an oversized dynamic-table-size-update — is a COMPRESSION
// error and must close the connection; the shared dynamic table is left in
// an indeterminate state afterward.
func (d *Decoder) Decode(block []byte) ([]HeaderField, error) {
	var out []HeaderField
	d.dec.SetEmitFunc(func(hf hpack.HeaderField) {
		out = append(out, HeaderField{hf.Name, hf.Value})
	})
	if _, err := d.dec.Write(block); err != nil {
		return nil, fmt.Errorf("hpack: decode: %w", err)
	}
	if err := d.dec.Close(); err != nil {
		return nil, fmt.Errorf("hpack: decode: %w", err)
	}
	return out, nil
}
