package planetary

import (
	"errors"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/ert-concierge/concierge/internal/scene"
	"github.com/ert-concierge/concierge/pkg/protocol"
)

const (
	// TrailLength is the number of history samples kept per body.
	TrailLength = 1000
	// maxTrailDiameter caps trail thickness for large bodies.
	maxTrailDiameter = 0.02
)

// ErrSceneMissing is returned when an entity is created before the scene
// exists. It is not recoverable.
var ErrSceneMissing = errors.New("scene is not initialised")

// HighlightColor is the emissive color of the lit entity.
var HighlightColor = scene.Color{R: 1, G: 1, B: 1}

// Entity is the visual proxy of one simulated body. It owns its shape, its
// trail and the pointer hooks registered on the shape.
type Entity struct {
	id       string
	position mgl64.Vec3
	shape    *scene.Shape
	trail    *scene.Trail
	hooks    []*scene.Action
	meta     protocol.Body
	lit      bool
}

// NewEntity creates the shape and trail of body id in sc. radius is in
// simulation units and scale converts it to visual size.
func NewEntity(id string, pos mgl64.Vec3, radius float64, sc *scene.Scene, color scene.Color, scale float64) (*Entity, error) {
	if sc == nil {
		return nil, ErrSceneMissing
	}

	shape := sc.NewSphere(id, radius*2*scale, pos)
	shape.Material().Diffuse = color
	trail := sc.NewTrail(id+"_trail", shape, math.Min(maxTrailDiameter, radius*scale), TrailLength)

	return &Entity{
		id:       id,
		position: pos,
		shape:    shape,
		trail:    trail,
	}, nil
}

func (e *Entity) ID() string                  { return e.id }
func (e *Entity) Position() mgl64.Vec3        { return e.position }
func (e *Entity) Shape() *scene.Shape         { return e.shape }
func (e *Entity) Trail() *scene.Trail         { return e.trail }
func (e *Entity) Metadata() protocol.Body     { return e.meta }
func (e *Entity) IsLit() bool                 { return e.lit }
func (e *Entity) SetMetadata(b protocol.Body) { e.meta = b }

// Dispose releases the hooks, then the trail, then the shape.
func (e *Entity) Dispose() {
	e.UnhookHover()
	if e.trail != nil {
		e.trail.Dispose()
		e.trail = nil
	}
	e.shape.Dispose()
}

// HookHover binds pointer enter, exit and pick on the shape to owner's
// selection state.
func (e *Entity) HookHover(owner *Service) {
	actions := e.shape.Actions()
	e.hooks = append(e.hooks,
		actions.Register(scene.PointerOver, func() { owner.hoverEnter(e.id) }),
		actions.Register(scene.PointerOut, func() { owner.hoverExit(e.id) }),
		actions.Register(scene.PickTrigger, func() { owner.toggleLock(e.id) }),
	)
}

// UnhookHover removes any hooks registered by HookHover.
func (e *Entity) UnhookHover() {
	actions := e.shape.Actions()
	for _, a := range e.hooks {
		actions.Unregister(a)
	}
	e.hooks = nil
}

func (e *Entity) Lit() {
	e.shape.Material().Emissive = HighlightColor
	e.lit = true
}

func (e *Entity) Unlit() {
	e.shape.Material().Emissive = scene.Black
	e.lit = false
}

func (e *Entity) SetColor(c scene.Color) {
	e.shape.Material().Diffuse = c
}

// MoveTo translates the shape by the offset to p so the trail keeps
// following the same shape.
func (e *Entity) MoveTo(p mgl64.Vec3) {
	e.shape.Translate(p.Sub(e.position))
	e.position = p
}

// colorOf converts a simulation color triple.
func colorOf(c [3]float64) scene.Color {
	return scene.Color{R: c[0], G: c[1], B: c[2]}
}
