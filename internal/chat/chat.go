// Package chat is the chat overlay of the planetary viewer. Lines travel as
// CHAT payloads inside concierge messages sent to a shared group.
package chat

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/gdamore/tcell/v2"

	"github.com/ert-concierge/concierge/internal/queue"
	"github.com/ert-concierge/concierge/pkg/protocol"
)

// DefaultHistory is the number of lines kept when none is configured.
const DefaultHistory = 200

const prompt = "> "

// Sender delivers payloads to a concierge group.
type Sender interface {
	SendGroup(group string, p protocol.Payload) error
	Name() string
}

// Chime is played when a line from someone else arrives.
type Chime interface {
	Play()
}

// Line is one chat line.
type Line struct {
	From string
	Text string
}

// Overlay holds the chat history and the input line. It is not safe for
// concurrent use.
type Overlay struct {
	group   string
	sender  Sender
	chime   Chime
	lines   *queue.Queue[Line]
	input   []rune
	focused bool
	logger  *slog.Logger
}

// New creates an overlay for group. chime may be nil.
func New(group string, history int, sender Sender, chime Chime, logger *slog.Logger) *Overlay {
	if history <= 0 {
		history = DefaultHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Overlay{
		group:  group,
		sender: sender,
		chime:  chime,
		lines:  queue.NewBounded[Line](history),
		logger: logger.With("component", "chat"),
	}
}

func (o *Overlay) Group() string { return o.group }

func (o *Overlay) Focused() bool { return o.focused }

func (o *Overlay) Focus() { o.focused = true }

// Blur drops focus and keeps the pending input.
func (o *Overlay) Blur() { o.focused = false }

// Input is the pending input line.
func (o *Overlay) Input() string { return string(o.input) }

// Lines returns the history oldest first.
func (o *Overlay) Lines() []Line { return o.lines.Items() }

func (o *Overlay) Type(r rune) {
	o.input = append(o.input, r)
}

func (o *Overlay) Backspace() {
	if len(o.input) > 0 {
		o.input = o.input[:len(o.input)-1]
	}
}

// Submit sends the input line to the group and clears it. Blank input is
// discarded and reports false. The line shows up in the history when the
// concierge echoes it back.
func (o *Overlay) Submit() (string, bool) {
	text := strings.TrimSpace(string(o.input))
	o.input = o.input[:0]
	if text == "" {
		return "", false
	}
	if err := o.sender.SendGroup(o.group, protocol.Chat{Text: text}); err != nil {
		o.logger.Warn("Failed to send chat line", "error", err)
		o.lines.Push(Line{Text: "not sent: " + err.Error()})
		return text, false
	}
	return text, true
}

// Append adds a line to the history.
func (o *Overlay) Append(from, text string) {
	o.lines.Push(Line{From: from, Text: text})
	if o.chime != nil && from != o.sender.Name() {
		o.chime.Play()
	}
}

// HandleMessage appends msg when it carries a chat line for this overlay's
// group and reports whether it did.
func (o *Overlay) HandleMessage(msg protocol.Message) bool {
	if msg.Origin == nil || msg.Origin.Group != o.group {
		return false
	}
	p, err := protocol.DecodeData(msg.Data)
	if err != nil {
		if !errors.Is(err, protocol.ErrUnknownType) {
			o.logger.Debug("Dropping undecodable chat data", "error", err)
		}
		return false
	}
	line, ok := p.(protocol.Chat)
	if !ok {
		return false
	}
	o.Append(msg.Origin.Name, line.Text)
	return true
}

// HandleKey edits the input while focused and reports whether the key was
// consumed.
func (o *Overlay) HandleKey(ev *tcell.EventKey) bool {
	if !o.focused {
		return false
	}
	switch ev.Key() {
	case tcell.KeyEnter:
		o.Submit()
	case tcell.KeyEscape:
		o.Blur()
	case tcell.KeyBackspace, tcell.KeyBackspace2:
		o.Backspace()
	case tcell.KeyRune:
		o.Type(ev.Rune())
	default:
		return false
	}
	return true
}

// Draw renders the newest lines that fit above the input row of the
// w by h region at (x, y).
func (o *Overlay) Draw(screen tcell.Screen, x, y, w, h int) {
	if w <= 0 || h <= 0 {
		return
	}
	blank := tcell.StyleDefault
	for row := y; row < y+h; row++ {
		for col := x; col < x+w; col++ {
			screen.SetContent(col, row, ' ', nil, blank)
		}
	}

	lines := o.Lines()
	rows := h - 1
	if len(lines) > rows {
		lines = lines[len(lines)-rows:]
	}
	for i, l := range lines {
		style := tcell.StyleDefault
		text := l.Text
		if l.From == "" {
			style = style.Foreground(tcell.ColorRed)
		} else {
			text = l.From + ": " + l.Text
			if l.From == o.sender.Name() {
				style = style.Foreground(tcell.ColorGreen)
			}
		}
		DrawText(screen, x, y+i, w, style, text)
	}

	inputStyle := tcell.StyleDefault.Foreground(tcell.ColorGray)
	if o.focused {
		inputStyle = tcell.StyleDefault.Foreground(tcell.ColorWhite)
	}
	DrawText(screen, x, y+h-1, w, inputStyle, prompt+o.Input())
}

// DrawText writes s at (x, y), clipped to w cells.
func DrawText(screen tcell.Screen, x, y, w int, style tcell.Style, s string) {
	col := 0
	for _, r := range s {
		if col >= w {
			return
		}
		screen.SetContent(x+col, y, r, nil, style)
		col++
	}
}
