// Package viewer is the terminal front end of the planetary client. It owns
// the event loop: concierge payloads, terminal input, frame ticks and posted
// callbacks are all handled on one goroutine.
package viewer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/go-gl/mathgl/mgl64"

	"github.com/ert-concierge/concierge/internal/chat"
	"github.com/ert-concierge/concierge/internal/planetary"
	"github.com/ert-concierge/concierge/internal/scene"
	"github.com/ert-concierge/concierge/pkg/protocol"
)

const (
	frameInterval = 50 * time.Millisecond
	postQueueSize = 64
	panelWidth    = 32
	chatHeight    = 6
	panStep       = 4
	zoomStep      = 1.25
)

var errQuit = errors.New("quit")

// Source is the inbound side of a concierge connection.
type Source interface {
	Incoming() <-chan protocol.Payload
	Done() <-chan struct{}
}

// Config holds viewer settings.
type Config struct {
	// Group is the concierge group the simulation publishes to.
	Group string
	// SystemFile is uploaded by the "u" key.
	SystemFile string
}

// Viewer draws the scene and routes input to the planetary service and the
// chat overlay.
type Viewer struct {
	cfg     Config
	screen  tcell.Screen
	source  Source
	service *planetary.Service
	chat    *chat.Overlay
	tabs    *TabBar
	panel   *InfoPanel
	alerts  *Alerts
	camera  *Camera
	posts   chan func()
	stopped chan struct{}
	stop    sync.Once
	logger  *slog.Logger

	ctx     context.Context
	pressed bool
}

// New creates a viewer on screen. The planetary service must be built with
// the viewer's Tabs, Alerts and Post so that its callbacks land here.
func New(cfg Config, screen tcell.Screen, source Source, logger *slog.Logger) *Viewer {
	if logger == nil {
		logger = slog.Default()
	}
	tabs := &TabBar{}
	return &Viewer{
		cfg:     cfg,
		screen:  screen,
		source:  source,
		tabs:    tabs,
		alerts:  &Alerts{},
		camera:  NewCamera(),
		posts:   make(chan func(), postQueueSize),
		stopped: make(chan struct{}),
		logger:  logger.With("component", "viewer"),
		ctx:     context.Background(),
	}
}

func (v *Viewer) Tabs() *TabBar     { return v.tabs }
func (v *Viewer) Alerts() *Alerts   { return v.alerts }
func (v *Viewer) Camera() *Camera   { return v.camera }
func (v *Viewer) Panel() *InfoPanel { return v.panel }

// Post queues fn to run on the event loop. It may be called from any
// goroutine. Once Run has returned, fn is dropped.
func (v *Viewer) Post(fn func()) {
	select {
	case v.posts <- fn:
	case <-v.stopped:
		v.logger.Debug("Dropped callback posted after viewer stopped")
	}
}

// Attach binds the service and the chat overlay and adds the info panel
// under the service's tab. overlay may be nil.
func (v *Viewer) Attach(service *planetary.Service, overlay *chat.Overlay) {
	v.service = service
	v.chat = overlay
	v.panel = NewInfoPanel(v.tabs, service.Config().TabName)
	service.AttachPanel(v.panel)
	if overlay != nil {
		v.tabs.Add("Chat")
	}
}

// Run serves the event loop until ctx ends, the user quits, the connection
// is closed for good, or the scene is found missing.
func (v *Viewer) Run(ctx context.Context) error {
	if v.service == nil {
		return fmt.Errorf("viewer has no planetary service attached")
	}
	v.ctx = ctx
	defer v.stop.Do(func() { close(v.stopped) })
	v.screen.EnableMouse()
	v.screen.Clear()

	events := make(chan tcell.Event, 100)
	quit := make(chan struct{})
	defer close(quit)
	go v.screen.ChannelEvents(events, quit)

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	defer v.service.Teardown()

	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case <-v.source.Done():
			v.logger.Warn("Concierge connection closed")
			return fmt.Errorf("concierge connection closed")
		case p, ok := <-v.source.Incoming():
			if !ok {
				return fmt.Errorf("concierge connection closed")
			}
			err = v.HandlePayload(p)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			err = v.HandleEvent(ev)
		case fn := <-v.posts:
			fn()
		case <-ticker.C:
			if sc := v.service.Scene(); sc != nil {
				sc.Render()
			}
			v.Draw()
		}
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// HandlePayload routes one concierge payload. Only ErrSceneMissing escapes.
func (v *Viewer) HandlePayload(p protocol.Payload) error {
	switch p := p.(type) {
	case protocol.Message:
		if v.chat != nil && v.chat.HandleMessage(p) {
			return nil
		}
		err := v.service.HandleMessage(p)
		if errors.Is(err, planetary.ErrSceneMissing) {
			return err
		}
		if err != nil {
			v.logger.Warn("Dropping simulation message", "error", err)
		}
	case protocol.Status:
		v.handleStatus(p)
	}
	return nil
}

func (v *Viewer) handleStatus(st protocol.Status) {
	if st.IsError() {
		v.logger.Warn("Concierge reported an error", "kind", st.Data.Kind, "desc", st.Data.Desc)
		return
	}
	if st.Data.Group != v.cfg.Group {
		return
	}
	switch st.Data.Kind {
	case protocol.StatusSubscribed:
		v.service.OnSubscribe()
	case protocol.StatusUnsubscribed:
		v.service.OnUnsubscribe()
	}
}

// HandleEvent applies one terminal event. It returns errQuit when the user
// asks to leave.
func (v *Viewer) HandleEvent(ev tcell.Event) error {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		return v.handleKey(ev)
	case *tcell.EventMouse:
		v.handleMouse(ev)
	case *tcell.EventResize:
		v.screen.Sync()
	}
	return nil
}

func (v *Viewer) handleKey(ev *tcell.EventKey) error {
	if _, ok := v.alerts.Current(); ok {
		switch ev.Key() {
		case tcell.KeyEnter, tcell.KeyEscape:
			v.alerts.Dismiss()
		case tcell.KeyCtrlC:
			return errQuit
		}
		return nil
	}
	if v.chat != nil && v.chat.HandleKey(ev) {
		return nil
	}

	switch ev.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return errQuit
	case tcell.KeyTab:
		v.tabs.Next()
		v.service.RenderInformation(false)
	case tcell.KeyUp:
		v.camera.Pan(0, -panStep)
	case tcell.KeyDown:
		v.camera.Pan(0, panStep)
	case tcell.KeyLeft:
		v.camera.Pan(-panStep, 0)
	case tcell.KeyRight:
		v.camera.Pan(panStep, 0)
	case tcell.KeyRune:
		switch ev.Rune() {
		case '+', '=':
			v.camera.ZoomBy(zoomStep)
		case '-':
			v.camera.ZoomBy(1 / zoomStep)
		case 'u':
			v.upload()
		case 't':
			if v.chat != nil {
				v.chat.Focus()
			}
		case 'q':
			return errQuit
		}
	}
	return nil
}

func (v *Viewer) upload() {
	if v.cfg.SystemFile == "" {
		v.alerts.Alert("No system file configured")
		return
	}
	data, err := os.ReadFile(v.cfg.SystemFile)
	if err != nil {
		v.alerts.Alert(fmt.Sprintf("Failed to read system file: %v", err))
		return
	}
	v.service.Upload(v.ctx, filepath.Base(v.cfg.SystemFile), bytes.NewReader(data))
}

// sceneSize is the part of the screen used for the scene: below the tab bar
// and above the chat.
func (v *Viewer) sceneSize() (int, int) {
	w, h := v.screen.Size()
	h -= 1
	if v.chat != nil {
		h -= chatHeight
	}
	return w, max(h, 0)
}

func (v *Viewer) handleMouse(ev *tcell.EventMouse) {
	col, row := ev.Position()
	w, h := v.sceneSize()
	row--

	sc := v.service.Scene()
	if sc == nil {
		return
	}
	var target *scene.Shape
	if row >= 0 && row < h {
		x, z := v.camera.ToWorld(col, row, w, h)
		target = sc.Pick(x, z, v.camera.Tolerance())
	}
	sc.PointerMove(target)

	down := ev.Buttons()&tcell.Button1 != 0
	if down && !v.pressed {
		sc.PointerDown(target)
	}
	v.pressed = down
}

// Draw renders one frame.
func (v *Viewer) Draw() {
	v.screen.Clear()
	w, _ := v.screen.Size()
	v.tabs.Draw(v.screen, w)

	sw, sh := v.sceneSize()
	v.drawScene(sw, sh)

	if v.panel != nil && v.panel.Visible() {
		v.panel.Draw(v.screen, max(sw-panelWidth, 0), 1, panelWidth)
	}
	if v.chat != nil && (v.tabs.Active() == "Chat" || v.chat.Focused()) {
		v.chat.Draw(v.screen, 0, 1+sh, w, chatHeight)
	}
	v.alerts.Draw(v.screen, sw, sh+1)
	v.screen.Show()
}

func (v *Viewer) drawScene(w, h int) {
	sc := v.service.Scene()
	if sc == nil {
		return
	}
	put := func(col, row int, r rune, style tcell.Style) {
		if col >= 0 && col < w && row >= 0 && row < h {
			v.screen.SetContent(col, row+1, r, nil, style)
		}
	}

	for _, tr := range sc.Trails() {
		style := tcell.StyleDefault.Foreground(tcell.ColorGray)
		for _, p := range tr.Points() {
			col, row := v.camera.ToScreen(p, w, h)
			put(col, row, '·', style)
		}
	}

	for _, sh := range sc.Shapes() {
		m := sh.Material()
		style := tcell.StyleDefault.Foreground(toColor(m.Diffuse))
		if !m.Emissive.IsBlack() {
			style = style.Background(toColor(m.Emissive)).Foreground(tcell.ColorBlack)
		}
		col, row := v.camera.ToScreen(sh.Position(), w, h)
		r := int(math.Round(v.camera.Radius(sh.Diameter())))
		for dz := -r; dz <= r; dz++ {
			for dx := -r * cellAspect; dx <= r*cellAspect; dx++ {
				fx := float64(dx) / cellAspect
				if fx*fx+float64(dz*dz) <= float64(r*r) {
					put(col+dx, row+dz, '●', style)
				}
			}
		}
	}
}

func toColor(c scene.Color) tcell.Color {
	channel := func(v float64) int32 {
		return int32(math.Round(mgl64.Clamp(v, 0, 1) * 255))
	}
	return tcell.NewRGBColor(channel(c.R), channel(c.G), channel(c.B))
}
