// Package scene is a small headless scene graph: spheres with materials and
// pointer actions, plus trails that follow them. Rendering backends read it;
// nothing here draws.
package scene

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Color is an RGB triple with components in 0..1.
type Color struct {
	R, G, B float64
}

// Black doubles as "no emission".
var Black = Color{}

// IsBlack reports whether every component is zero.
func (c Color) IsBlack() bool {
	return c == Black
}

// Material holds the surface colors of a shape.
type Material struct {
	Diffuse  Color
	Emissive Color
}

// Scene owns every shape and trail created through it.
type Scene struct {
	shapes  []*Shape
	trails  []*Trail
	hovered *Shape
	frames  int
}

func New() *Scene {
	return &Scene{}
}

// NewSphere adds a sphere of the given diameter centred on pos.
func (s *Scene) NewSphere(name string, diameter float64, pos mgl64.Vec3) *Shape {
	sh := &Shape{
		name:     name,
		diameter: diameter,
		position: pos,
		material: Material{Diffuse: Color{1, 1, 1}},
		actions:  &ActionManager{},
		scene:    s,
	}
	s.shapes = append(s.shapes, sh)
	return sh
}

// Shapes returns the live shapes in creation order.
func (s *Scene) Shapes() []*Shape {
	out := make([]*Shape, len(s.shapes))
	copy(out, s.shapes)
	return out
}

// Trails returns the live trails in creation order.
func (s *Scene) Trails() []*Trail {
	out := make([]*Trail, len(s.trails))
	copy(out, s.trails)
	return out
}

// Frames counts calls to Render.
func (s *Scene) Frames() int {
	return s.frames
}

// Render advances one frame: every trail samples its shape once.
func (s *Scene) Render() {
	s.frames++
	for _, t := range s.trails {
		t.sample()
	}
}

// Pick returns the shape under the top-down point (x, z), or nil. The
// closest surface within tolerance wins.
func (s *Scene) Pick(x, z, tolerance float64) *Shape {
	var best *Shape
	bestGap := math.Inf(1)
	for _, sh := range s.shapes {
		d := math.Hypot(sh.position.X()-x, sh.position.Z()-z)
		gap := d - sh.diameter/2
		if gap <= tolerance && gap < bestGap {
			best, bestGap = sh, gap
		}
	}
	return best
}

// Hovered is the shape currently under the pointer.
func (s *Scene) Hovered() *Shape {
	return s.hovered
}

// PointerMove fires PointerOut on the shape the pointer left and PointerOver
// on the one it entered. target may be nil.
func (s *Scene) PointerMove(target *Shape) {
	if target == s.hovered {
		return
	}
	prev := s.hovered
	s.hovered = target
	if prev != nil {
		prev.actions.Trigger(PointerOut)
	}
	if target != nil {
		target.actions.Trigger(PointerOver)
	}
}

// PointerDown fires PickTrigger on target.
func (s *Scene) PointerDown(target *Shape) {
	if target != nil {
		target.actions.Trigger(PickTrigger)
	}
}

func (s *Scene) removeShape(sh *Shape) {
	for i, v := range s.shapes {
		if v == sh {
			s.shapes = append(s.shapes[:i], s.shapes[i+1:]...)
			break
		}
	}
	if s.hovered == sh {
		s.hovered = nil
	}
}

func (s *Scene) removeTrail(t *Trail) {
	for i, v := range s.trails {
		if v == t {
			s.trails = append(s.trails[:i], s.trails[i+1:]...)
			return
		}
	}
}
