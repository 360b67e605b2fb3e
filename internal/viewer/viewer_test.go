package viewer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ert-concierge/concierge/internal/chat"
	"github.com/ert-concierge/concierge/internal/planetary"
	"github.com/ert-concierge/concierge/internal/scene"
	"github.com/ert-concierge/concierge/pkg/protocol"
)

type fakeSource struct {
	in   chan protocol.Payload
	done chan struct{}
}

func (s *fakeSource) Incoming() <-chan protocol.Payload { return s.in }
func (s *fakeSource) Done() <-chan struct{}             { return s.done }

type fakeClient struct {
	toSim []protocol.Payload
	toGrp []protocol.Payload
}

func (c *fakeClient) SendTo(name string, p protocol.Payload) error {
	c.toSim = append(c.toSim, p)
	return nil
}

func (c *fakeClient) SendGroup(group string, p protocol.Payload) error {
	c.toGrp = append(c.toGrp, p)
	return nil
}

func (c *fakeClient) UUID() uuid.UUID { return uuid.Nil }
func (c *fakeClient) Name() string    { return "viewer" }

type fakeUploader struct {
	fileName string
	body     string
}

func (u *fakeUploader) UploadSystem(ctx context.Context, name, key, fileName string, r io.Reader) (int, string, error) {
	data, _ := io.ReadAll(r)
	u.fileName = fileName
	u.body = string(data)
	return http.StatusCreated, http.StatusText(http.StatusCreated), nil
}

func (u *fakeUploader) SystemURL(name string) string { return "http://c/fs/" + name + "/system.json" }

type harness struct {
	viewer   *Viewer
	service  *planetary.Service
	screen   tcell.SimulationScreen
	source   *fakeSource
	client   *fakeClient
	uploader *fakeUploader
}

func newHarness(t *testing.T, sc *scene.Scene, withChat bool) *harness {
	t.Helper()
	screen := tcell.NewSimulationScreen("UTF-8")
	require.NoError(t, screen.Init())
	t.Cleanup(screen.Fini)
	screen.SetSize(80, 24)

	h := &harness{
		screen:   screen,
		source:   &fakeSource{in: make(chan protocol.Payload, 8), done: make(chan struct{})},
		client:   &fakeClient{},
		uploader: &fakeUploader{},
	}
	h.viewer = New(Config{Group: "planetary", SystemFile: ""}, screen, h.source, nil)

	svc, err := planetary.New(planetary.Config{Simulation: "sim"}, planetary.Dependencies{
		Scene:    sc,
		Client:   h.client,
		Uploader: h.uploader,
		Tabs:     h.viewer.Tabs(),
		Alerter:  h.viewer.Alerts(),
		Post:     h.viewer.Post,
	})
	require.NoError(t, err)
	h.service = svc

	var overlay *chat.Overlay
	if withChat {
		overlay = chat.New("chat", 0, h.client, nil, nil)
	}
	h.viewer.Attach(svc, overlay)
	return h
}

func simMessage(t *testing.T, p protocol.Payload) protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(protocol.ToGroup("planetary"), p)
	require.NoError(t, err)
	msg.Origin = &protocol.Origin{Name: "sim", Group: "planetary"}
	return msg
}

// loadEarth places one body of diameter 1 at the visual origin.
func (h *harness) loadEarth(t *testing.T) {
	t.Helper()
	require.NoError(t, h.viewer.HandlePayload(simMessage(t, protocol.SystemDataDump{
		Data: protocol.SystemData{Name: "Sol", Scale: 1, BodyScale: 1},
	})))
	require.NoError(t, h.viewer.HandlePayload(simMessage(t, protocol.SystemObjsDump{
		Objects: []protocol.Body{{Name: "Earth", Radius: 0.5, Color: [3]float64{0, 0, 1}}},
	})))
}

func key(k tcell.Key, r rune) *tcell.EventKey {
	return tcell.NewEventKey(k, r, tcell.ModNone)
}

func rowText(screen tcell.SimulationScreen, y int) string {
	w, _ := screen.Size()
	out := make([]rune, 0, w)
	for x := 0; x < w; x++ {
		r, _, _, _ := screen.GetContent(x, y)
		out = append(out, r)
	}
	return string(out)
}

func TestSubscribedStatus(t *testing.T) {
	h := newHarness(t, scene.New(), false)

	require.NoError(t, h.viewer.HandlePayload(protocol.Subscribed(0, "other")))
	assert.Empty(t, h.viewer.Tabs().Names())

	require.NoError(t, h.viewer.HandlePayload(protocol.Subscribed(1, "planetary")))
	assert.Equal(t, []string{"Planetary"}, h.viewer.Tabs().Names())
	assert.Equal(t, []protocol.Payload{protocol.FetchSystemData{}}, h.client.toSim)

	require.NoError(t, h.viewer.HandlePayload(protocol.Unsubscribed(nil, "planetary")))
	assert.Empty(t, h.viewer.Tabs().Names())
}

func TestErrorStatusIsLogged(t *testing.T) {
	h := newHarness(t, scene.New(), false)
	require.NoError(t, h.viewer.HandlePayload(protocol.NoSuchGroup(2, "planetary")))
	assert.Empty(t, h.viewer.Tabs().Names())
}

func TestMouseHoverAndPick(t *testing.T) {
	h := newHarness(t, scene.New(), false)
	h.loadEarth(t)

	// The scene viewport is 80x23 below the tab bar; the origin is at (40, 11).
	require.NoError(t, h.viewer.HandleEvent(tcell.NewEventMouse(40, 12, tcell.ButtonNone, tcell.ModNone)))
	require.NotNil(t, h.service.Highlighted())
	assert.Equal(t, "Earth", h.service.Highlighted().ID())

	require.NoError(t, h.viewer.HandleEvent(tcell.NewEventMouse(0, 12, tcell.ButtonNone, tcell.ModNone)))
	assert.Nil(t, h.service.Highlighted())

	require.NoError(t, h.viewer.HandleEvent(tcell.NewEventMouse(40, 12, tcell.Button1, tcell.ModNone)))
	require.NoError(t, h.viewer.HandleEvent(tcell.NewEventMouse(40, 12, tcell.Button1, tcell.ModNone)))
	locked, ok := h.service.Locked()
	assert.True(t, ok, "holding the button is a single click")
	assert.Equal(t, "Earth", locked)

	require.NoError(t, h.viewer.HandleEvent(tcell.NewEventMouse(0, 12, tcell.ButtonNone, tcell.ModNone)))
	require.NotNil(t, h.service.Highlighted())
	assert.Equal(t, "Earth", h.service.Highlighted().ID())
}

func TestMouseOnTabBarLeavesBodies(t *testing.T) {
	h := newHarness(t, scene.New(), false)
	h.loadEarth(t)

	require.NoError(t, h.viewer.HandleEvent(tcell.NewEventMouse(40, 12, tcell.ButtonNone, tcell.ModNone)))
	require.NoError(t, h.viewer.HandleEvent(tcell.NewEventMouse(40, 0, tcell.ButtonNone, tcell.ModNone)))
	assert.Nil(t, h.service.Highlighted())
}

func TestDraw(t *testing.T) {
	h := newHarness(t, scene.New(), false)
	require.NoError(t, h.viewer.HandlePayload(protocol.Subscribed(0, "planetary")))
	h.loadEarth(t)
	h.viewer.Draw()

	assert.True(t, strings.HasPrefix(rowText(h.screen, 0), " Planetary "))

	r, _, _, _ := h.screen.GetContent(40, 12)
	assert.Equal(t, '●', r)

	assert.Contains(t, rowText(h.screen, 1), "System: Sol")
	assert.Contains(t, rowText(h.screen, 2), "Bodies: 1")
}

func TestInfoPanelDescribesHighlight(t *testing.T) {
	h := newHarness(t, scene.New(), false)
	require.NoError(t, h.viewer.HandlePayload(protocol.Subscribed(0, "planetary")))
	h.loadEarth(t)

	require.NoError(t, h.viewer.HandleEvent(tcell.NewEventMouse(40, 12, tcell.Button1, tcell.ModNone)))
	lines := h.viewer.Panel().Lines()
	assert.Contains(t, lines, "Earth (locked)")
	assert.Contains(t, lines, "Radius: 0.5")
}

func TestKeys(t *testing.T) {
	h := newHarness(t, scene.New(), true)
	h.viewer.Tabs().Add("Planetary")
	assert.Equal(t, "Chat", h.viewer.Tabs().Active())

	require.NoError(t, h.viewer.HandleEvent(key(tcell.KeyTab, 0)))
	assert.Equal(t, "Planetary", h.viewer.Tabs().Active())

	require.NoError(t, h.viewer.HandleEvent(key(tcell.KeyRight, 0)))
	require.NoError(t, h.viewer.HandleEvent(key(tcell.KeyDown, 0)))
	assert.Equal(t, mgl64.Vec2{panStep, panStep}, h.viewer.Camera().Center)

	require.NoError(t, h.viewer.HandleEvent(key(tcell.KeyRune, '+')))
	assert.InDelta(t, zoomStep, h.viewer.Camera().Zoom, 1e-9)
	require.NoError(t, h.viewer.HandleEvent(key(tcell.KeyRune, '-')))
	assert.InDelta(t, 1, h.viewer.Camera().Zoom, 1e-9)

	assert.ErrorIs(t, h.viewer.HandleEvent(key(tcell.KeyEscape, 0)), errQuit)
	assert.ErrorIs(t, h.viewer.HandleEvent(key(tcell.KeyCtrlC, 0)), errQuit)
}

func TestChatKeys(t *testing.T) {
	h := newHarness(t, scene.New(), true)

	require.NoError(t, h.viewer.HandleEvent(key(tcell.KeyRune, 't')))
	for _, r := range "hi" {
		require.NoError(t, h.viewer.HandleEvent(key(tcell.KeyRune, r)))
	}
	require.NoError(t, h.viewer.HandleEvent(key(tcell.KeyEnter, 0)))
	assert.Equal(t, []protocol.Payload{protocol.Chat{Text: "hi"}}, h.client.toGrp)

	// Escape leaves the chat before it quits.
	assert.NoError(t, h.viewer.HandleEvent(key(tcell.KeyEscape, 0)))
	assert.ErrorIs(t, h.viewer.HandleEvent(key(tcell.KeyEscape, 0)), errQuit)
}

func TestChatMessagesGoToOverlay(t *testing.T) {
	h := newHarness(t, scene.New(), true)
	msg, err := protocol.NewMessage(protocol.ToGroup("chat"), protocol.Chat{Text: "hello"})
	require.NoError(t, err)
	msg.Origin = &protocol.Origin{Name: "sim", Group: "chat"}

	require.NoError(t, h.viewer.HandlePayload(msg))
	assert.Equal(t, []chat.Line{{From: "sim", Text: "hello"}}, h.viewer.chat.Lines())
}

func TestAlertsBlockKeys(t *testing.T) {
	h := newHarness(t, scene.New(), false)
	h.viewer.Alerts().Alert("boom")

	assert.NoError(t, h.viewer.HandleEvent(key(tcell.KeyEscape, 0)), "escape dismisses the alert")
	_, ok := h.viewer.Alerts().Current()
	assert.False(t, ok)
}

func TestUpload(t *testing.T) {
	h := newHarness(t, scene.New(), false)

	require.NoError(t, h.viewer.HandleEvent(key(tcell.KeyRune, 'u')))
	msg, ok := h.viewer.Alerts().Current()
	require.True(t, ok)
	assert.Equal(t, "No system file configured", msg)
	h.viewer.Alerts().Dismiss()

	path := filepath.Join(t.TempDir(), "solar.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bodies":[]}`), 0o644))
	h.viewer.cfg.SystemFile = path

	require.NoError(t, h.viewer.HandleEvent(key(tcell.KeyRune, 'u')))
	select {
	case fn := <-h.viewer.posts:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("upload completion was not posted")
	}
	assert.Equal(t, "solar.json", h.uploader.fileName)
	assert.Equal(t, `{"bodies":[]}`, h.uploader.body)
	assert.Equal(t, []protocol.Payload{protocol.LoadSystem{URL: "http://c/fs/viewer/system.json"}}, h.client.toSim)
}

func TestRun_StopsOnContext(t *testing.T) {
	h := newHarness(t, scene.New(), false)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- h.viewer.Run(ctx) }()

	h.source.in <- protocol.Subscribed(0, "planetary")
	time.Sleep(3 * frameInterval)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestPost_AfterRunDoesNotBlock(t *testing.T) {
	h := newHarness(t, scene.New(), false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.viewer.Run(ctx))

	done := make(chan struct{})
	go func() {
		for i := 0; i < postQueueSize+1; i++ {
			h.viewer.Post(func() {})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Post blocked after Run returned")
	}
}

func TestRun_SceneMissingIsFatal(t *testing.T) {
	h := newHarness(t, nil, false)

	errCh := make(chan error, 1)
	go func() { errCh <- h.viewer.Run(context.Background()) }()

	h.source.in <- simMessage(t, protocol.SystemDataDump{Data: protocol.SystemData{Scale: 1, BodyScale: 1}})
	h.source.in <- simMessage(t, protocol.SystemObjsDump{Objects: []protocol.Body{{Name: "Earth", Radius: 1}}})

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, planetary.ErrSceneMissing), err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRun_ConnectionClosed(t *testing.T) {
	h := newHarness(t, scene.New(), false)
	close(h.source.done)
	assert.Error(t, h.viewer.Run(context.Background()))
}

func TestCamera_RoundTrip(t *testing.T) {
	c := NewCamera()
	c.ZoomBy(2)
	c.Pan(3, -1)

	col, row := c.ToScreen(mgl64.Vec3{5, 0, -2}, 80, 24)
	x, z := c.ToWorld(col, row, 80, 24)
	assert.InDelta(t, 5, x, 1/(c.Zoom*cellAspect))
	assert.InDelta(t, -2, z, 1/c.Zoom)

	c.ZoomBy(1e9)
	assert.Equal(t, float64(maxZoom), c.Zoom)
}

func TestTabBar(t *testing.T) {
	var tabs TabBar
	assert.Equal(t, "", tabs.Active())
	tabs.Next()

	tabs.Add("A")
	tabs.Add("B")
	tabs.Add("A")
	assert.Equal(t, []string{"A", "B"}, tabs.Names())

	tabs.Next()
	assert.Equal(t, "B", tabs.Active())
	tabs.Remove("B")
	assert.Equal(t, "A", tabs.Active())
	tabs.Remove("missing")
	tabs.Remove("A")
	assert.Equal(t, "", tabs.Active())
}
