package reconcile

import "github.com/matfraga/pigeon/internal/store"

// messageLog is one conversation's ordered message list, newest first.
// At most one entry per identifier; an optimistic entry is replaced in
// place when its server identifier arrives, never duplicated.
type messageLog struct {
	msgs []*store.Message
}

// insertHead prepends a message. New entries always enter at the head;
// no global order across conversations is assumed.
func (l *messageLog) insertHead(m *store.Message) {
	l.msgs = append([]*store.Message{m}, l.msgs...)
}

// find returns the entry matching id against either the server or the
// provisional identifier, or nil.
func (l *messageLog) find(id string) *store.Message {
	if id == "" {
		return nil
	}
	for _, m := range l.msgs {
		if m.ID == id || m.ProvisionalID == id {
			return m
		}
	}
	return nil
}

// replace swaps the entry matching id for the given message, preserving
// its list position. Returns false if no entry matched.
func (l *messageLog) replace(id string, m *store.Message) bool {
	for i, existing := range l.msgs {
		if existing.ID == id || existing.ProvisionalID == id {
			l.msgs[i] = m
			return true
		}
	}
	return false
}

// remove deletes the entry matching id. Returns false if no entry matched.
func (l *messageLog) remove(id string) bool {
	for i, existing := range l.msgs {
		if existing.ID == id || existing.ProvisionalID == id {
			l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// snapshot returns a copy of the list for callers to iterate safely.
func (l *messageLog) snapshot() []*store.Message {
	out := make([]*store.Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

func (l *messageLog) len() int {
	return len(l.msgs)
}
