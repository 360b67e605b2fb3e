package viewer

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

const (
	minZoom = 0.01
	maxZoom = 100
	// cellAspect is the height of a terminal cell over its width.
	cellAspect = 2
)

// Camera projects the x/z plane onto terminal cells, looking down the y axis.
// Zoom is rows per visual unit.
type Camera struct {
	Center mgl64.Vec2
	Zoom   float64
}

func NewCamera() *Camera {
	return &Camera{Zoom: 1}
}

// ToScreen maps a visual position to the cell of a w by h viewport.
func (c *Camera) ToScreen(p mgl64.Vec3, w, h int) (int, int) {
	col := float64(w)/2 + (p.X()-c.Center.X())*c.Zoom*cellAspect
	row := float64(h)/2 + (p.Z()-c.Center.Y())*c.Zoom
	return int(math.Floor(col)), int(math.Floor(row))
}

// ToWorld maps the centre of a cell back to the x/z plane.
func (c *Camera) ToWorld(col, row, w, h int) (float64, float64) {
	x := c.Center.X() + (float64(col)+0.5-float64(w)/2)/(c.Zoom*cellAspect)
	z := c.Center.Y() + (float64(row)+0.5-float64(h)/2)/c.Zoom
	return x, z
}

// Pan moves the centre by dx, dz rows.
func (c *Camera) Pan(dx, dz float64) {
	c.Center = c.Center.Add(mgl64.Vec2{dx / c.Zoom, dz / c.Zoom})
}

// ZoomBy multiplies the zoom by f within fixed limits.
func (c *Camera) ZoomBy(f float64) {
	c.Zoom = mgl64.Clamp(c.Zoom*f, minZoom, maxZoom)
}

// Radius is the on-screen radius in rows of a body of diameter d.
func (c *Camera) Radius(d float64) float64 {
	return d / 2 * c.Zoom
}

// Tolerance is the pick tolerance in visual units: one row.
func (c *Camera) Tolerance() float64 {
	return 1 / c.Zoom
}
