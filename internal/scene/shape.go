package scene

import "github.com/go-gl/mathgl/mgl64"

// Shape is a sphere in the scene.
type Shape struct {
	name     string
	diameter float64
	position mgl64.Vec3
	material Material
	actions  *ActionManager
	scene    *Scene
	disposed bool
}

func (s *Shape) Name() string         { return s.name }
func (s *Shape) Diameter() float64    { return s.diameter }
func (s *Shape) Position() mgl64.Vec3 { return s.position }
func (s *Shape) Disposed() bool       { return s.disposed }

// Material is returned by pointer so callers can recolor in place.
func (s *Shape) Material() *Material {
	return &s.material
}

func (s *Shape) Actions() *ActionManager {
	return s.actions
}

// Translate moves the shape by delta.
func (s *Shape) Translate(delta mgl64.Vec3) {
	s.position = s.position.Add(delta)
}

// Dispose removes the shape from its scene and drops its actions.
func (s *Shape) Dispose() {
	if s.disposed {
		return
	}
	s.disposed = true
	s.actions.clear()
	s.scene.removeShape(s)
}
