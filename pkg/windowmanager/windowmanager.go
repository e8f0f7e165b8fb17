// Package windowmanager is a stand-in window manager for development and
// tests. It hands out surface numbers and attachment uuids without
// allocating anything on screen.
package windowmanager

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/mapservice/pkg/binding"
	"github.com/cuemby/mapservice/pkg/log"
	"github.com/cuemby/mapservice/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	VerbAttachSurface = "attachSurfaceToApp"
	VerbEndDraw       = "endDraw"
)

const attachSchema = `{
	"type": "object",
	"required": ["destination"],
	"properties": {
		"destination": {"type": "string", "minLength": 1},
		"service_surface": {"type": "string"},
		"request_surface_id": {"type": "boolean"}
	}
}`

// Attachment is a surface bound to an application
type Attachment struct {
	UUID        string
	Surface     int64
	Destination string
	Label       string
	AttachedAt  time.Time
}

// Manager serves the window manager verbs
type Manager struct {
	seq    atomic.Int64
	logger zerolog.Logger

	mu          sync.Mutex
	attachments map[string]Attachment
	drawn       []string
}

// New creates a manager and registers its verbs on b
func New(b *binding.Binding) (*Manager, error) {
	m := &Manager{
		logger:      log.WithComponent("windowmanager"),
		attachments: make(map[string]Attachment),
	}
	if err := b.AddVerb(binding.Verb{
		Name:    VerbAttachSurface,
		Info:    "attach a new surface to an application",
		Schema:  attachSchema,
		Handler: m.AttachSurface,
	}); err != nil {
		return nil, err
	}
	if err := b.AddVerb(binding.Verb{
		Name:    VerbEndDraw,
		Info:    "acknowledge the end of a drawing",
		Handler: m.EndDraw,
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// AttachSurface allocates a surface for the destination application. The
// surface number is only returned when request_surface_id is true.
func (m *Manager) AttachSurface(req *binding.Request) (types.Payload, error) {
	dest, ok := req.Args.String(types.KeyDestination)
	if !ok {
		return nil, binding.Fail(types.CodeBadRequest)
	}
	label, _ := req.Args.String(types.KeyServiceSurface)

	att := Attachment{
		UUID:        uuid.NewString(),
		Surface:     m.seq.Add(1),
		Destination: dest,
		Label:       label,
		AttachedAt:  time.Now(),
	}

	m.mu.Lock()
	m.attachments[att.UUID] = att
	m.mu.Unlock()

	m.logger.Info().
		Str("destination", dest).
		Str("label", label).
		Int64("surface", att.Surface).
		Str("uuid", att.UUID).
		Msg("surface attached")

	reply := types.Payload{types.KeyUUID: att.UUID}
	if want, _ := req.Args[types.KeyRequestSurfaceID].(bool); want {
		reply[types.KeySurface] = att.Surface
	}
	return reply, nil
}

// EndDraw records that a client finished drawing
func (m *Manager) EndDraw(req *binding.Request) (types.Payload, error) {
	name, ok := req.Args.String(types.KeyDrawingName)
	if !ok {
		return nil, binding.Fail(types.CodeBadRequest)
	}

	m.mu.Lock()
	m.drawn = append(m.drawn, name)
	m.mu.Unlock()

	m.logger.Debug().Str("drawing_name", name).Msg("end of draw")
	return types.Payload{}, nil
}

// Attachments returns the attachments made so far, by surface number
func (m *Manager) Attachments() []Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Attachment, 0, len(m.attachments))
	for _, a := range m.attachments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Surface < out[j].Surface })
	return out
}

// Drawn returns the drawing names acknowledged by endDraw, in order
func (m *Manager) Drawn() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.drawn...)
}
