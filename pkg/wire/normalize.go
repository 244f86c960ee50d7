package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Normalizer converts frames between the wire representation and the internal
// Envelope. It holds no connection state; NewID and Now exist so id and
// timestamp backfill stay deterministic under test.
type Normalizer struct {
	NewID func() string
	Now   func() time.Time
}

func NewNormalizer() *Normalizer {
	return &Normalizer{
		NewID: uuid.NewString,
		Now:   time.Now,
	}
}

var errMissingType = errors.New("frame has no type field")

// Inbound normalizes a raw wire frame. It never returns an error: frames that
// cannot be normalized come back with Normalized=false and NormalizeErr set,
// carrying whatever could still be salvaged, so one malformed server push
// cannot take down the session.
func (n *Normalizer) Inbound(raw []byte) Envelope {
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Envelope{Data: map[string]any{}, NormalizeErr: fmt.Sprintf("decode frame: %v", err)}
	}

	frameType, _ := frame["type"].(string)
	env := Envelope{Type: frameType}

	payload, ok := frame["data"].(map[string]any)
	if !ok {
		// Flat frame: everything except the discriminant is payload.
		payload = make(map[string]any, len(frame))
		for k, v := range frame {
			if k == "type" {
				continue
			}
			payload[k] = v
		}
	}
	env.Data = canonicalize(payload, true)

	if frameType == "" {
		env.NormalizeErr = errMissingType.Error()
		return env
	}

	n.backfill(&env)
	env.Normalized = true
	return env
}

// Outbound produces the wire object for an internal envelope. Identifier and
// timestamp backfill mirror Inbound, so a message can always be sent with a
// client-side id even when the caller omitted one. Backfilled values are
// written at every known field spelling.
func (n *Normalizer) Outbound(env Envelope) (map[string]any, error) {
	if env.Type == "" {
		return nil, errMissingType
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	} else {
		env.Data = canonicalize(env.Data, false)
	}
	n.backfill(&env)

	data := make(map[string]any, len(env.Data)*2)
	for k, v := range env.Data {
		for _, variant := range Variants(k) {
			data[variant] = v
		}
	}
	return map[string]any{
		"type": env.Type,
		"data": data,
	}, nil
}

// backfill fills MessageID/EventTS from the payload and generates them for
// frame types that require them, injecting generated values at all variants.
func (n *Normalizer) backfill(env *Envelope) {
	if id, ok := env.Data["message_id"].(string); ok && id != "" {
		env.MessageID = id
	} else if RequiresIdentity(env.Type) {
		env.MessageID = n.NewID()
		for _, variant := range Variants("message_id") {
			env.Data[variant] = env.MessageID
		}
		env.Data["message_id"] = env.MessageID
	}

	if ts, ok := asMillis(env.Data["event_ts"]); ok {
		env.EventTS = ts
	} else if RequiresTimestamp(env.Type) {
		env.EventTS = n.Now().UnixMilli()
		for _, variant := range Variants("event_ts") {
			env.Data[variant] = env.EventTS
		}
		env.Data["event_ts"] = env.EventTS
	}
}

// canonicalize rewrites payload keys to their canonical spelling, recursing
// into nested objects. When fill is set, every canonical key from the mapping
// table is present afterwards, absent ones as explicit nils, so downstream
// code never distinguishes "missing" from "null".
//
// When several spellings of one key arrive with conflicting values, the
// first non-nil value in declared variant order wins, so the outcome never
// depends on map iteration order.
func canonicalize(payload map[string]any, fill bool) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if _, known := canonicalFor[k]; known {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			v = canonicalize(nested, false)
		}
		out[k] = v
	}
	for canon, variants := range fieldVariants {
		var chosen any
		seen := false
		for _, variant := range variants {
			v, ok := payload[variant]
			if !ok {
				continue
			}
			seen = true
			if chosen == nil {
				chosen = v
			}
		}
		if !seen && !fill {
			continue
		}
		if nested, ok := chosen.(map[string]any); ok {
			chosen = canonicalize(nested, false)
		}
		out[canon] = chosen
	}
	return out
}

func asMillis(v any) (int64, bool) {
	switch ts := v.(type) {
	case int64:
		return ts, ts > 0
	case float64:
		return int64(ts), ts > 0
	case json.Number:
		i, err := ts.Int64()
		return i, err == nil && i > 0
	default:
		return 0, false
	}
}
