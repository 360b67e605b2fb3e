package viewer

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gdamore/tcell/v2"

	"github.com/ert-concierge/concierge/internal/chat"
	"github.com/ert-concierge/concierge/internal/planetary"
)

// TabBar is the row of tabs at the top of the screen. The first tab added
// becomes active.
type TabBar struct {
	names  []string
	active int
}

var _ planetary.Tabs = (*TabBar)(nil)

func (t *TabBar) Add(name string) {
	if slices.Contains(t.names, name) {
		return
	}
	t.names = append(t.names, name)
}

func (t *TabBar) Remove(name string) {
	i := slices.Index(t.names, name)
	if i < 0 {
		return
	}
	t.names = slices.Delete(t.names, i, i+1)
	if t.active >= len(t.names) {
		t.active = max(0, len(t.names)-1)
	}
}

// Active is the name of the active tab, or "" when there are none.
func (t *TabBar) Active() string {
	if len(t.names) == 0 {
		return ""
	}
	return t.names[t.active]
}

// Next activates the following tab, wrapping around.
func (t *TabBar) Next() {
	if len(t.names) > 0 {
		t.active = (t.active + 1) % len(t.names)
	}
}

func (t *TabBar) Names() []string {
	return slices.Clone(t.names)
}

func (t *TabBar) Draw(screen tcell.Screen, w int) {
	col := 0
	for i, name := range t.names {
		style := tcell.StyleDefault.Foreground(tcell.ColorGray)
		if i == t.active {
			style = tcell.StyleDefault.Reverse(true)
		}
		label := " " + name + " "
		chat.DrawText(screen, col, 0, w-col, style, label)
		col += len([]rune(label)) + 1
	}
}

// InfoPanel describes the highlighted body. It is visible while its tab is
// active.
type InfoPanel struct {
	tabs  *TabBar
	tab   string
	lines []string
}

var _ planetary.Panel = (*InfoPanel)(nil)

func NewInfoPanel(tabs *TabBar, tab string) *InfoPanel {
	return &InfoPanel{tabs: tabs, tab: tab}
}

func (p *InfoPanel) Visible() bool {
	return p.tabs.Active() == p.tab
}

// Render rebuilds the panel text from s.
func (p *InfoPanel) Render(s *planetary.Service) {
	p.lines = p.lines[:0]
	if sys, ok := s.System(); ok && sys.Name != "" {
		p.lines = append(p.lines, "System: "+sys.Name)
	}
	p.lines = append(p.lines, fmt.Sprintf("Bodies: %d", s.Len()))

	e := s.Highlighted()
	if e == nil {
		p.lines = append(p.lines, "", "Hover a body for details")
		return
	}
	meta := e.Metadata()
	title := e.ID()
	if id, ok := s.Locked(); ok && id == e.ID() {
		title += " (locked)"
	}
	p.lines = append(p.lines, "", title)
	if meta.Kind != "" {
		p.lines = append(p.lines, "Kind: "+meta.Kind)
	}
	p.lines = append(p.lines,
		fmt.Sprintf("Radius: %.4g", meta.Radius),
		fmt.Sprintf("Location: %s", vector(meta.Location)),
	)
	if meta.Mass != 0 {
		p.lines = append(p.lines, fmt.Sprintf("Mass: %.4g", meta.Mass))
	}
	if meta.Velocity != [3]float64{} {
		p.lines = append(p.lines, fmt.Sprintf("Velocity: %s", vector(meta.Velocity)))
	}
}

func vector(v [3]float64) string {
	return fmt.Sprintf("(%.3g, %.3g, %.3g)", v[0], v[1], v[2])
}

// Lines is the text of the last render.
func (p *InfoPanel) Lines() []string {
	return slices.Clone(p.lines)
}

func (p *InfoPanel) Draw(screen tcell.Screen, x, y, w int) {
	for i, l := range p.lines {
		style := tcell.StyleDefault
		if i == 0 {
			style = style.Bold(true)
		}
		chat.DrawText(screen, x, y+i, w, style, l)
	}
}

// Alerts is a queue of modal messages. The oldest is shown until dismissed.
type Alerts struct {
	pending []string
}

var _ planetary.Alerter = (*Alerts)(nil)

func (a *Alerts) Alert(msg string) {
	a.pending = append(a.pending, msg)
}

// Current is the shown alert.
func (a *Alerts) Current() (string, bool) {
	if len(a.pending) == 0 {
		return "", false
	}
	return a.pending[0], true
}

func (a *Alerts) Dismiss() {
	if len(a.pending) > 0 {
		a.pending = a.pending[1:]
	}
}

func (a *Alerts) Draw(screen tcell.Screen, w, h int) {
	msg, ok := a.Current()
	if !ok {
		return
	}
	text := " " + msg + " "
	hint := " [Enter] dismiss "
	width := min(max(len([]rune(text)), len(hint))+2, w)
	x := (w - width) / 2
	y := h/2 - 2
	style := tcell.StyleDefault.Background(tcell.ColorDarkRed).Foreground(tcell.ColorWhite)
	for row := y; row < y+4; row++ {
		chat.DrawText(screen, x, row, width, style, strings.Repeat(" ", width))
	}
	chat.DrawText(screen, x+1, y+1, width-2, style, text)
	chat.DrawText(screen, x+1, y+2, width-2, style.Dim(true), hint)
}
