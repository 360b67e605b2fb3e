package scene

// Trigger selects the pointer event an action reacts to.
type Trigger int

const (
	PointerOver Trigger = iota
	PointerOut
	PickTrigger
)

func (t Trigger) String() string {
	switch t {
	case PointerOver:
		return "PointerOver"
	case PointerOut:
		return "PointerOut"
	case PickTrigger:
		return "Pick"
	}
	return "Unknown"
}

// Action is a registered callback; keep it to unregister later.
type Action struct {
	trigger Trigger
	fn      func()
}

func (a *Action) Trigger() Trigger {
	return a.trigger
}

// ActionManager holds the pointer actions of one shape.
type ActionManager struct {
	actions []*Action
}

func (m *ActionManager) Register(trigger Trigger, fn func()) *Action {
	a := &Action{trigger: trigger, fn: fn}
	m.actions = append(m.actions, a)
	return a
}

// Unregister removes a and reports whether it was registered.
func (m *ActionManager) Unregister(a *Action) bool {
	for i, v := range m.actions {
		if v == a {
			m.actions = append(m.actions[:i], m.actions[i+1:]...)
			return true
		}
	}
	return false
}

// Trigger runs every action registered for t in registration order.
func (m *ActionManager) Trigger(t Trigger) {
	for _, a := range append([]*Action(nil), m.actions...) {
		if a.trigger == t {
			a.fn()
		}
	}
}

func (m *ActionManager) Len() int {
	return len(m.actions)
}

func (m *ActionManager) clear() {
	m.actions = nil
}
