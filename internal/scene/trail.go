package scene

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/peterstace/simplefeatures/geom"

	"github.com/ert-concierge/concierge/internal/queue"
)

// Trail records the recent positions of a shape, one sample per frame.
// Samples beyond its length drop the oldest.
type Trail struct {
	name     string
	shape    *Shape
	diameter float64
	length   int
	history  *queue.Queue[mgl64.Vec3]
	scene    *Scene
	disposed bool
}

// NewTrail attaches a trail of length samples to shape.
func (s *Scene) NewTrail(name string, shape *Shape, diameter float64, length int) *Trail {
	t := &Trail{
		name:     name,
		shape:    shape,
		diameter: diameter,
		length:   length,
		history:  queue.NewBounded[mgl64.Vec3](length),
		scene:    s,
	}
	s.trails = append(s.trails, t)
	return t
}

func (t *Trail) Name() string      { return t.name }
func (t *Trail) Diameter() float64 { return t.diameter }
func (t *Trail) Length() int       { return t.length }
func (t *Trail) Shape() *Shape     { return t.shape }

// Points returns the samples oldest first.
func (t *Trail) Points() []mgl64.Vec3 {
	return t.history.Items()
}

func (t *Trail) sample() {
	if t.shape.disposed {
		return
	}
	t.history.Push(t.shape.Position())
}

// LineString exports the samples as an XYZ line. Fewer than two samples
// give an empty line.
func (t *Trail) LineString() (geom.LineString, error) {
	pts := t.Points()
	if len(pts) < 2 {
		return geom.LineString{}, nil
	}
	coords := make([]float64, 0, len(pts)*3)
	for _, p := range pts {
		coords = append(coords, p.X(), p.Y(), p.Z())
	}
	ls, err := geom.NewLineString(geom.NewSequence(coords, geom.DimXYZ))
	if err != nil {
		return geom.LineString{}, fmt.Errorf("trail %s: %w", t.name, err)
	}
	return ls, nil
}

// Dispose detaches the trail from its scene and forgets its samples.
func (t *Trail) Dispose() {
	if t.disposed {
		return
	}
	t.disposed = true
	t.history.Clear()
	t.scene.removeTrail(t)
}
