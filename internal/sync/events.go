package sync

import "time"

const (
	EventLocked    = "chapter.locked"
	EventReleased  = "chapter.released"
	EventCommitted = "chapter.committed"
	EventConflict  = "chapter.conflict"
	EventImported  = "chapter.imported"
)

// EditEvent is pushed to every connected client so editors can see who is
// working on which chapter.
type EditEvent struct {
	Type      string    `json:"type"`
	RecordID  string    `json:"record_id,omitempty"`
	MangaID   string    `json:"manga_id,omitempty"`
	Caller    string    `json:"caller,omitempty"`
	Version   int64     `json:"version,omitempty"`
	Fields    []string  `json:"fields,omitempty"`
	Count     int       `json:"count,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	At        time.Time `json:"at"`
}

// Publisher is implemented by *Hub. Handlers depend on it so tests can
// record events without sockets.
type Publisher interface {
	Publish(ev EditEvent)
}

// Publish stamps ev and broadcasts it.
func (h *Hub) Publish(ev EditEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.BroadcastJSON(ev)
}
