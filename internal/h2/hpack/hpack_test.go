package hpack

import (
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc := NewEncoder(4096)
	dec := NewDecoder(4096)

	headers := []HeaderField{
		{":method", "GET"},
		{":scheme", "https"},
		{":path", "/"},
		{":authority", "example.com"},
		{"user-agent", "test-client"},
	}

	block, err := enc.Encode(headers)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := dec.Decode(block)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if !reflect.DeepEqual(got, headers) {
		t.Fatalf("got %v, want %v", got, headers)
	}
}

func TestDecodeInvalidIndexIsError(t *testing.T) {
	dec := NewDecoder(4096)
	// 0xBE is an indexed header field representation for index 62: one past
	// the 61-entry static table, with the dynamic table still empty.
	_, err := dec.Decode([]byte{0xBE})
	if err == nil {
		t.Fatalf("expected a decode error for an out-of-range index")
	}
}

func TestSharedDynamicTableAcrossDecodes(t *testing.T) {
	enc := NewEncoder(4096)
	dec := NewDecoder(4096)

	first := []HeaderField{{"x-custom", "value-one"}}
	block1, err := enc.Encode(first)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := dec.Decode(block1); err != nil {
		t.Fatalf("Decode 1: %v", err)
	}

	second := []HeaderField{{"x-custom", "value-one"}}
	block2, err := enc.Encode(second)
	if err != nil {
		t.Fatalf("Encode 2: %v", err)
	}
	got, err := dec.Decode(block2)
	if err != nil {
		t.Fatalf("Decode 2: %v", err)
	}
	if !reflect.DeepEqual(got, second) {
		t.Fatalf("got %v, want %v", got, second)
	}
}
