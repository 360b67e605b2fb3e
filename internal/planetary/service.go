// Package planetary keeps a scene in step with a planetary simulation and
// resolves pointer hover and click into a single highlighted body.
//
// A Service is not safe for concurrent use. Every method, including the
// callbacks fired by scene pointer events, must run on the owner's event
// loop goroutine.
package planetary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"github.com/ert-concierge/concierge/internal/api"
	"github.com/ert-concierge/concierge/internal/dispatcher"
	"github.com/ert-concierge/concierge/internal/scene"
	"github.com/ert-concierge/concierge/pkg/protocol"
)

// Panel shows information about the service, usually the highlighted body.
type Panel interface {
	Render(s *Service)
	Visible() bool
}

// Tabs is the tab bar the service registers itself in while subscribed.
type Tabs interface {
	Add(name string)
	Remove(name string)
}

// Alerter shows a blocking message to the user.
type Alerter interface {
	Alert(msg string)
}

// Sender delivers payloads to other concierge clients.
type Sender interface {
	SendTo(name string, p protocol.Payload) error
	UUID() uuid.UUID
	Name() string
}

// Uploader stores a system description in the concierge file store.
type Uploader interface {
	UploadSystem(ctx context.Context, name, key, fileName string, r io.Reader) (int, string, error)
	SystemURL(name string) string
}

// Recorder observes every handled simulation payload.
type Recorder interface {
	Record(p protocol.Payload, s *Service) error
}

// Config holds service settings.
type Config struct {
	// Simulation is the concierge name of the simulation client.
	Simulation  string
	TabName     string
	VisualScale float64
}

// Dependencies holds the collaborators of a Service. Tabs, Alerter, Post and
// Recorder are optional.
type Dependencies struct {
	Scene    *scene.Scene
	Client   Sender
	Uploader Uploader
	Tabs     Tabs
	Alerter  Alerter
	// Post runs fn on the event loop. Upload completions go through it.
	Post     func(fn func())
	Recorder Recorder
	Logger   *slog.Logger
}

// Service is the synchronization service between the simulation and the scene.
type Service struct {
	cfg        Config
	scene      *scene.Scene
	client     Sender
	uploader   Uploader
	tabs       Tabs
	alerter    Alerter
	post       func(fn func())
	recorder   Recorder
	panel      Panel
	dispatcher *dispatcher.Dispatcher
	logger     *slog.Logger

	entities map[string]*Entity
	system   *protocol.SystemData
	hovered  map[string]struct{}
	locked   string
	lit      *Entity
}

// New creates a service. A nil Scene is accepted here and reported as
// ErrSceneMissing when the first body arrives.
func New(cfg Config, deps Dependencies) (*Service, error) {
	if cfg.VisualScale == 0 {
		cfg.VisualScale = 10
	}
	if cfg.TabName == "" {
		cfg.TabName = "Planetary"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d, err := dispatcher.New(logger)
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	s := &Service{
		cfg:        cfg,
		scene:      deps.Scene,
		client:     deps.Client,
		uploader:   deps.Uploader,
		tabs:       deps.Tabs,
		alerter:    deps.Alerter,
		post:       deps.Post,
		recorder:   deps.Recorder,
		dispatcher: d,
		logger:     logger.With("component", "planetary"),
		entities:   make(map[string]*Entity),
		hovered:    make(map[string]struct{}),
	}
	s.registerHandlers()
	return s, nil
}

func (s *Service) registerHandlers() {
	s.dispatcher.Register(protocol.TypeSystemDataDump, func(e dispatcher.Event) (any, error) {
		return nil, s.onSystemData(e.Payload.(protocol.SystemDataDump))
	}, dispatcher.Logged())
	s.dispatcher.Register(protocol.TypeSystemObjsDump, func(e dispatcher.Event) (any, error) {
		return nil, s.onObjects(e.Payload.(protocol.SystemObjsDump))
	})
	s.dispatcher.Register(protocol.TypeSystemRemovePlanets, func(e dispatcher.Event) (any, error) {
		s.onRemove(e.Payload.(protocol.SystemRemovePlanets))
		return nil, nil
	}, dispatcher.Logged())
	s.dispatcher.Register(protocol.TypeSystemClear, func(e dispatcher.Event) (any, error) {
		s.onClear()
		return nil, nil
	}, dispatcher.Logged())
}

// AttachPanel sets the panel refreshed by RenderInformation.
func (s *Service) AttachPanel(p Panel) {
	s.panel = p
}

// HandleMessage decodes the data of a concierge message and handles it.
// Data that is not a simulation payload is ignored.
func (s *Service) HandleMessage(msg protocol.Message) error {
	p, err := protocol.DecodeData(msg.Data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			s.logger.Debug("Ignoring message data", "error", err)
			return nil
		}
		return err
	}
	source := ""
	if msg.Origin != nil {
		source = msg.Origin.Name
	}
	return s.handle(p, source)
}

// Handle applies one simulation payload. The only error that escapes is
// ErrSceneMissing.
func (s *Service) Handle(p protocol.Payload) error {
	return s.handle(p, "")
}

func (s *Service) handle(p protocol.Payload, source string) error {
	_, err := s.dispatcher.Dispatch(dispatcher.Event{Type: p.PayloadType(), Payload: p, Source: source})
	if errors.Is(err, dispatcher.ErrNoHandler) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.recorder != nil {
		if err := s.recorder.Record(p, s); err != nil {
			s.logger.Warn("Failed to record payload", "type", p.PayloadType(), "error", err)
		}
	}
	return nil
}

func (s *Service) onSystemData(dump protocol.SystemDataDump) error {
	data := dump.Data
	s.system = &data
	s.disposeAll()
	s.request(protocol.FetchSystemObjs{})
	s.RenderInformation(true)
	return nil
}

func (s *Service) onObjects(dump protocol.SystemObjsDump) error {
	if s.system == nil {
		return nil
	}
	sys := *s.system

	for _, body := range dump.Objects {
		pos := s.visualPosition(body.Location, sys.Scale)
		radius := body.Radius
		if body.Name == sys.CentralBodyName {
			pos = pos.Mul(sys.CentralBodyScale)
			radius *= sys.CentralBodyScale
		}

		if e, ok := s.entities[body.Name]; ok {
			e.MoveTo(pos)
			e.SetMetadata(body)
			continue
		}

		e, err := NewEntity(body.Name, pos, radius, s.scene, colorOf(body.Color), sys.BodyScale)
		if err != nil {
			return fmt.Errorf("create %s: %w", body.Name, err)
		}
		e.HookHover(s)
		e.SetMetadata(body)
		s.entities[body.Name] = e
	}

	s.RenderInformation(false)
	return nil
}

// visualPosition maps a simulation location into visual space.
func (s *Service) visualPosition(loc [3]float64, scale float64) mgl64.Vec3 {
	if scale == 0 {
		scale = 1
	}
	return mgl64.Vec3{
		loc[0] / scale * s.cfg.VisualScale,
		loc[1] / scale * s.cfg.VisualScale,
		loc[2] / scale * s.cfg.VisualScale,
	}
}

func (s *Service) onRemove(rm protocol.SystemRemovePlanets) {
	for _, id := range rm.IDs {
		if _, ok := s.entities[id]; ok {
			s.remove(id)
		}
	}
	s.RenderInformation(false)
}

// onClear refreshes before disposing, unlike onRemove.
func (s *Service) onClear() {
	s.RenderInformation(false)
	s.disposeAll()
}

func (s *Service) remove(id string) {
	s.entities[id].Dispose()
	delete(s.entities, id)
	delete(s.hovered, id)
	if s.locked == id {
		s.locked = ""
	}
}

func (s *Service) disposeAll() {
	for id := range s.entities {
		s.remove(id)
	}
}

// RenderInformation applies the selection policy: the locked body is lit,
// else the first hovered body by name, else none. The panel is refreshed
// when it is visible or force is set.
func (s *Service) RenderInformation(force bool) {
	if s.locked == "" && len(s.hovered) == 0 {
		for _, e := range s.entities {
			e.Unlit()
		}
		s.lit = nil
	} else {
		id := s.locked
		if id == "" {
			id = s.firstHovered()
		}
		if target, ok := s.entities[id]; ok && target != s.lit {
			if s.lit != nil {
				s.lit.Unlit()
			}
			target.Lit()
			s.lit = target
		}
	}

	if s.panel != nil && (force || s.panel.Visible()) {
		s.panel.Render(s)
	}
}

func (s *Service) firstHovered() string {
	first := ""
	for id := range s.hovered {
		if first == "" || id < first {
			first = id
		}
	}
	return first
}

func (s *Service) hoverEnter(id string) {
	s.hovered[id] = struct{}{}
	s.RenderInformation(false)
}

func (s *Service) hoverExit(id string) {
	delete(s.hovered, id)
	s.RenderInformation(false)
}

func (s *Service) toggleLock(id string) {
	if s.locked == id {
		s.locked = ""
	} else {
		s.locked = id
	}
	s.RenderInformation(false)
}

// OnSubscribe registers the tab and asks the simulation for its system data.
func (s *Service) OnSubscribe() {
	if s.tabs != nil {
		s.tabs.Add(s.cfg.TabName)
	}
	s.request(protocol.FetchSystemData{})
}

// OnUnsubscribe removes the tab and clears every body.
func (s *Service) OnUnsubscribe() {
	if s.tabs != nil {
		s.tabs.Remove(s.cfg.TabName)
	}
	s.onClear()
}

// Teardown detaches the service and releases every entity.
func (s *Service) Teardown() {
	if s.tabs != nil {
		s.tabs.Remove(s.cfg.TabName)
	}
	s.panel = nil
	s.disposeAll()
	s.lit = nil
	s.entities = make(map[string]*Entity)
	s.hovered = make(map[string]struct{})
	s.locked = ""
	s.system = nil
}

func (s *Service) request(p protocol.Payload) {
	if s.client == nil {
		return
	}
	if err := s.client.SendTo(s.cfg.Simulation, p); err != nil {
		s.logger.Warn("Failed to send request", "type", p.PayloadType(), "error", err)
	}
}

// Upload posts r as the client's system.json in the background. On 200 or
// 201 the simulation is told to load it; any other outcome raises an alert.
// Completion runs through Post.
func (s *Service) Upload(ctx context.Context, fileName string, r io.Reader) {
	name := s.client.Name()
	key := s.client.UUID().String()

	go func() {
		status, text, err := s.uploader.UploadSystem(ctx, name, key, fileName, r)
		done := func() { s.finishUpload(name, status, text, err) }
		if s.post != nil {
			s.post(done)
		} else {
			done()
		}
	}()
}

func (s *Service) finishUpload(name string, status int, text string, err error) {
	switch {
	case err != nil:
		s.logger.Error("System upload failed", "error", err)
		s.alert(fmt.Sprintf("Failed to upload system: %v", err))
	case api.Succeeded(status):
		s.logger.Info("System uploaded", "status", status)
		s.request(protocol.LoadSystem{URL: s.uploader.SystemURL(name)})
	default:
		s.logger.Warn("System upload rejected", "status", status, "text", text)
		s.alert(fmt.Sprintf("Failed to upload system: %d %s", status, text))
	}
}

func (s *Service) alert(msg string) {
	if s.alerter != nil {
		s.alerter.Alert(msg)
	}
}

// Entity returns the proxy of body id.
func (s *Service) Entity(id string) (*Entity, bool) {
	e, ok := s.entities[id]
	return e, ok
}

// Entities returns the roster sorted by id.
func (s *Service) Entities() []*Entity {
	out := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *Service) Len() int {
	return len(s.entities)
}

// System returns the current system descriptor.
func (s *Service) System() (protocol.SystemData, bool) {
	if s.system == nil {
		return protocol.SystemData{}, false
	}
	return *s.system, true
}

// Highlighted returns the lit entity, or nil.
func (s *Service) Highlighted() *Entity {
	if s.lit == nil || s.lit.shape.Disposed() {
		return nil
	}
	return s.lit
}

// Locked returns the locked body id.
func (s *Service) Locked() (string, bool) {
	return s.locked, s.locked != ""
}

// Hovered returns the hovered body ids sorted.
func (s *Service) Hovered() []string {
	out := make([]string, 0, len(s.hovered))
	for id := range s.hovered {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Service) Scene() *scene.Scene {
	return s.scene
}

func (s *Service) Config() Config {
	return s.cfg
}
