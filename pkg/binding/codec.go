package binding

import (
	"fmt"
	"time"

	"github.com/cuemby/mapservice/pkg/events"
	"github.com/cuemby/mapservice/pkg/types"
	"google.golang.org/protobuf/types/known/structpb"
)

// EncodeEvent converts an event to its wire document
func EncodeEvent(ev *events.Event) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"id":        ev.ID,
		"kind":      string(ev.Kind),
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"payload":   map[string]any(ev.Payload.Clone()),
	})
}

// DecodeEvent parses a wire document back into an event. Unknown kinds are
// rejected.
func DecodeEvent(msg *structpb.Struct) (*events.Event, error) {
	doc := types.Payload(msg.AsMap())

	name, _ := doc.String("kind")
	kind, err := events.ParseKind(name)
	if err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	ev := &events.Event{Kind: kind, Payload: types.Payload{}}
	ev.ID, _ = doc.String("id")
	if ts, ok := doc.String("timestamp"); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.Timestamp = t
		}
	}
	if p, ok := doc["payload"].(map[string]any); ok {
		ev.Payload = types.Payload(p)
	}
	return ev, nil
}
