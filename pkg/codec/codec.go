// Package codec compresses raw message payloads before they are stored in
// the ledger's raw column. Encoded values carry a "gz:" prefix so plain
// historical values keep decoding.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// Codec encodes a raw payload to its stored form and back.
type Codec interface {
	Encode(raw string) (string, error)
	Decode(stored string) (string, error)
}

const gzPrefix = "gz:"

// GzipB64 stores payloads as "gz:" + base64(gzip(raw)).
type GzipB64 struct{}

// Encode compresses raw. Empty input stays empty.
func (GzipB64) Encode(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(raw)); err != nil {
		return "", fmt.Errorf("compressing raw payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compressing raw payload: %w", err)
	}
	return gzPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode. The "gz:" prefix is optional: early rows were
// stored as bare base64.
func (GzipB64) Decode(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	s := strings.TrimPrefix(stored, gzPrefix)
	gz, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decoding raw payload: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		return "", fmt.Errorf("decoding raw payload: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("decoding raw payload: %w", err)
	}
	return string(out), nil
}

// DecodeLenient decodes stored, returning the value unchanged when it is
// not a compressed payload. Rows written before compression was introduced
// hold the raw text directly.
func DecodeLenient(c Codec, stored string) string {
	out, err := c.Decode(stored)
	if err != nil {
		return stored
	}
	return out
}

// Identity stores payloads verbatim.
type Identity struct{}

func (Identity) Encode(raw string) (string, error)    { return raw, nil }
func (Identity) Decode(stored string) (string, error) { return stored, nil }
