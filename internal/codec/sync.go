package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"fishlive/internal/domain"
)

type syncPushPackage struct {
	SyncPushPackage struct {
		Data []struct {
			Data string `json:"data"`
		} `json:"data"`
	} `json:"syncPushPackage"`
}

// SyncPayloads extracts the packed payload strings from a sync push frame.
// Returns nil when the frame is not a sync package.
func SyncPayloads(f *Frame) []string {
	if f == nil || len(f.Body) == 0 {
		return nil
	}
	var pkg syncPushPackage
	if err := json.Unmarshal(f.Body, &pkg); err != nil {
		return nil
	}
	out := make([]string, 0, len(pkg.SyncPushPackage.Data))
	for _, d := range pkg.SyncPushPackage.Data {
		if d.Data != "" {
			out = append(out, d.Data)
		}
	}
	return out
}

// DecodeSyncPayload unpacks one sync payload into a document. The payload
// is base64; the bytes are either plain JSON (system notices) or a packed
// binary document whose integer map keys become strings, matching what the
// platform's own web client produces.
func DecodeSyncPayload(b64 string) (map[string]any, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, &domain.ProtocolError{Reason: "sync payload base64", Cause: err}
	}

	var doc any
	if json.Unmarshal(raw, &doc) == nil {
		if m, ok := doc.(map[string]any); ok {
			return m, nil
		}
		return nil, &domain.ProtocolError{Reason: "sync payload json is not an object"}
	}

	// Packed documents key their maps with integers, which the default
	// string-keyed map decoder rejects.
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.SetMapDecoder(func(d *msgpack.Decoder) (any, error) { return d.DecodeUntypedMap() })
	packed, err := dec.DecodeInterface()
	if err != nil {
		return nil, &domain.ProtocolError{Reason: "sync payload unpack", Cause: err}
	}
	m, ok := normalize(packed).(map[string]any)
	if !ok {
		return nil, &domain.ProtocolError{Reason: "sync payload is not an object"}
	}
	return m, nil
}

// normalize rewrites a freshly unpacked document into the same shape
// encoding/json produces: string keys everywhere, []byte as string.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case []byte:
		return string(t)
	default:
		return v
	}
}
