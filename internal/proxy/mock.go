package proxy

import (
	"io"
	"time"

	"github.com/nitella/nitellad/internal/common"
	"github.com/nitella/nitellad/internal/rules"
)

// Canned responses, byte-for-byte. External tooling matches on these.
var presetPayloads = map[common.MockPreset][]byte{
	common.PresetHTTP401: []byte(
		"HTTP/1.1 401 Unauthorized\r\nContent-Length: 12\r\n\r\nUnauthorized",
	),
	common.PresetHTTP403: []byte(
		"HTTP/1.1 403 Forbidden\r\nContent-Length: 9\r\n\r\nForbidden",
	),
	common.PresetHTTP404: []byte(
		"HTTP/1.1 404 Not Found\r\nContent-Length: 9\r\n\r\nNot Found",
	),
}

// PresetPayload returns the canned response for a preset, or nil.
func PresetPayload(p common.MockPreset) []byte {
	return presetPayloads[p]
}

// writeMock synthesizes a response instead of contacting a backend: an
// optional delay, then either the literal payload or a canned preset.
func writeMock(w io.Writer, cfg *rules.MockConfig) {
	if cfg.DelayMs > 0 {
		time.Sleep(time.Duration(cfg.DelayMs) * time.Millisecond)
	}
	if len(cfg.Payload) > 0 {
		_, _ = w.Write(cfg.Payload)
		return
	}
	if payload, ok := presetPayloads[cfg.Preset]; ok {
		_, _ = w.Write(payload)
	}
}
