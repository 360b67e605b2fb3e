package concierge

import (
	"fmt"
	"sort"

	"github.com/ert-concierge/concierge/internal/dispatcher"
	"github.com/ert-concierge/concierge/pkg/protocol"
	"github.com/google/uuid"
)

func (h *Hub) registerHandlers() {
	d := h.dispatcher
	d.Register(protocol.TypeMessage, h.handleMessage)
	d.Register(protocol.TypeSubscribe, h.handleSubscribe, dispatcher.Logged())
	d.Register(protocol.TypeUnsubscribe, h.handleUnsubscribe, dispatcher.Logged())
	d.Register(protocol.TypeGroupCreate, h.handleGroupCreate, dispatcher.Logged())
	d.Register(protocol.TypeGroupDelete, h.handleGroupDelete, dispatcher.Logged())
	d.Register(protocol.TypeFetchGroupSubscribers, h.handleFetchGroupSubscribers)
	d.Register(protocol.TypeFetchClients, h.handleFetchClients)
	d.Register(protocol.TypeFetchGroups, h.handleFetchGroups)
	d.Register(protocol.TypeFetchSubscriptions, h.handleFetchSubscriptions)
}

// sender resolves the client that produced e. Callers must not hold h.mu.
func (h *Hub) sender(e dispatcher.Event) (*client, error) {
	id, err := uuid.Parse(e.Source)
	if err != nil {
		return nil, fmt.Errorf("bad event source %q: %w", e.Source, err)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	if !ok {
		return nil, fmt.Errorf("client %s is gone", id)
	}
	return c, nil
}

func (h *Hub) handleMessage(e dispatcher.Event) (any, error) {
	c, err := h.sender(e)
	if err != nil {
		return nil, err
	}
	msg := e.Payload.(protocol.Message)
	msg.Origin = c.origin("")

	h.mu.RLock()
	status, recipients := h.routeLocked(msg, e.Seq)
	h.mu.RUnlock()

	if h.metrics != nil && !status.IsError() {
		_ = h.metrics.RecordRoute(msg.Target.Kind, recipients)
	}
	return status, nil
}

// routeLocked delivers msg to its target. h.mu must be held for reading.
func (h *Hub) routeLocked(msg protocol.Message, seq int) (protocol.Status, int) {
	t := msg.Target
	switch t.Kind {
	case protocol.TargetName:
		id, ok := h.namespace[t.Name]
		if !ok {
			return protocol.NoSuchName(seq, t.Name), 0
		}
		h.clients[id].sendPayload(msg)
		return protocol.MessageSent(seq), 1

	case protocol.TargetUUID:
		if t.UUID == nil {
			return protocol.ProtocolError(seq, "UUID target without uuid"), 0
		}
		target, ok := h.clients[*t.UUID]
		if !ok {
			return protocol.NoSuchUUID(seq, *t.UUID), 0
		}
		target.sendPayload(msg)
		return protocol.MessageSent(seq), 1

	case protocol.TargetGroup:
		g, ok := h.groups[t.Group]
		if !ok {
			return protocol.NoSuchGroup(seq, t.Group), 0
		}
		msg.Origin.Group = g.name
		data, err := protocol.Marshal(msg)
		if err != nil {
			return protocol.ProtocolError(seq, err.Error()), 0
		}
		n := 0
		for id := range g.subscribers {
			if sub, ok := h.clients[id]; ok && sub.enqueue(data) {
				n++
			}
		}
		return protocol.MessageSent(seq), n

	case protocol.TargetAll:
		return protocol.MessageSent(seq), h.broadcastExcept(msg, uuid.Nil)
	}
	return protocol.ProtocolError(seq, fmt.Sprintf("unknown target type %q", t.Kind)), 0
}

func (h *Hub) handleSubscribe(e dispatcher.Event) (any, error) {
	c, err := h.sender(e)
	if err != nil {
		return nil, err
	}
	name := e.Payload.(protocol.Subscribe).Group

	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[name]
	if !ok {
		return protocol.NoSuchGroup(e.Seq, name), nil
	}
	g.subscribers[c.id] = struct{}{}
	c.groups[name] = struct{}{}
	return protocol.Subscribed(e.Seq, name), nil
}

func (h *Hub) handleUnsubscribe(e dispatcher.Event) (any, error) {
	c, err := h.sender(e)
	if err != nil {
		return nil, err
	}
	name := e.Payload.(protocol.Unsubscribe).Group

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.groups, name)
	g, ok := h.groups[name]
	if !ok {
		return protocol.NoSuchGroup(e.Seq, name), nil
	}
	delete(g.subscribers, c.id)
	seq := e.Seq
	return protocol.Unsubscribed(&seq, name), nil
}

func (h *Hub) handleGroupCreate(e dispatcher.Event) (any, error) {
	c, err := h.sender(e)
	if err != nil {
		return nil, err
	}
	name := e.Payload.(protocol.GroupCreate).Group

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.groups[name]; exists {
		return protocol.GroupAlreadyCreated(e.Seq, name), nil
	}
	h.groups[name] = &group{
		name:        name,
		owner:       c.id,
		subscribers: make(map[uuid.UUID]struct{}),
	}
	return protocol.GroupCreated(e.Seq, name), nil
}

// handleGroupDelete only lets the owner delete a group; anyone else is told
// the group does not exist.
func (h *Hub) handleGroupDelete(e dispatcher.Event) (any, error) {
	c, err := h.sender(e)
	if err != nil {
		return nil, err
	}
	name := e.Payload.(protocol.GroupDelete).Group

	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[name]
	if !ok || g.owner != c.id {
		return protocol.NoSuchGroup(e.Seq, name), nil
	}
	h.deleteGroupLocked(name)
	return protocol.GroupDeleted(e.Seq, name), nil
}

func (h *Hub) handleFetchGroupSubscribers(e dispatcher.Event) (any, error) {
	name := e.Payload.(protocol.FetchGroupSubscribers).Group

	h.mu.RLock()
	defer h.mu.RUnlock()
	g, ok := h.groups[name]
	if !ok {
		return protocol.NoSuchGroup(e.Seq, name), nil
	}
	return protocol.GroupSubscribers{Group: name, Clients: h.clientInfosLocked(g.subscribers)}, nil
}

func (h *Hub) handleFetchClients(e dispatcher.Event) (any, error) {
	return protocol.Clients{Clients: h.Clients()}, nil
}

func (h *Hub) handleFetchGroups(e dispatcher.Event) (any, error) {
	return protocol.Groups{Groups: h.Groups()}, nil
}

func (h *Hub) handleFetchSubscriptions(e dispatcher.Event) (any, error) {
	c, err := h.sender(e)
	if err != nil {
		return nil, err
	}

	h.mu.RLock()
	groups := make([]string, 0, len(c.groups))
	for name := range c.groups {
		groups = append(groups, name)
	}
	h.mu.RUnlock()

	sort.Strings(groups)
	return protocol.Subscriptions{Groups: groups}, nil
}
