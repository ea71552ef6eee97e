// Package ingest receives decoded events over the network and hands them to
// the rule engine.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"analysisd/core"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Wire formats for decoded events
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// DecodeFunc turns one raw message into an event.
type DecodeFunc func([]byte) (*core.Event, error)

// DecoderFor returns the decoder for a wire format.
func DecoderFor(format string) (DecodeFunc, error) {
	switch format {
	case FormatJSON, "":
		return DecodeJSON, nil
	case FormatMsgpack:
		return DecodeMsgpack, nil
	}
	return nil, fmt.Errorf("unknown event format %q: must be %q or %q", format, FormatJSON, FormatMsgpack)
}

// DecodeJSON decodes one JSON object. Keys follow the JSON form of core.Event.
func DecodeJSON(raw []byte) (*core.Event, error) {
	var ev core.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return normalize(&ev), nil
}

// DecodeMsgpack decodes one msgpack map carrying the same keys as the JSON
// form. Timestamps must use the msgpack timestamp extension.
func DecodeMsgpack(raw []byte) (*core.Event, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.SetCustomStructTag("json")
	var ev core.Event
	if err := dec.Decode(&ev); err != nil {
		return nil, err
	}
	return normalize(&ev), nil
}

// EncodeMsgpack is the inverse of DecodeMsgpack, used by senders and tests.
func EncodeMsgpack(ev *core.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(ev); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize fills the fields the engine relies on being set.
func normalize(ev *core.Event) *core.Event {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Fields == nil {
		ev.Fields = make(map[string]string)
	}
	return ev
}
