package model

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a job or record identifier.
func NewID() string {
	return ulid.Make().String()
}

// CanonicalID returns the content identifier of a single input item: the MD5
// hex digest of its key-sorted JSON serialization. Two structurally equal
// items hash identically regardless of the key order they were written in.
func CanonicalID(item json.RawMessage) (string, error) {
	canonical, err := Canonicalize(item)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize re-encodes raw JSON with object keys sorted at every level.
// Numbers keep their original textual form and HTML characters are not escaped.
func Canonicalize(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json writes map keys in sorted order.
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SplitItems reports whether raw is a JSON array and returns its elements.
// A non-array value is returned as a single-element slice.
func SplitItems(raw json.RawMessage) ([]json.RawMessage, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("empty input")
	}
	if trimmed[0] != '[' {
		if !json.Valid(trimmed) {
			return nil, false, fmt.Errorf("invalid input JSON")
		}
		return []json.RawMessage{json.RawMessage(trimmed)}, false, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, true, fmt.Errorf("decode input array: %w", err)
	}
	return items, true, nil
}
