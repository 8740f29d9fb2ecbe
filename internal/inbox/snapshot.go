// ABOUTME: Point-in-time copy of the session state for warm starts and inspection.
// ABOUTME: Restore rebuilds buffers, ranking, and seen ids from a snapshot.

package inbox

import (
	"time"
)

// SnapshotVersion is bumped whenever the snapshot layout changes.
const SnapshotVersion = 1

// Snapshot is a serializable copy of the state.
type Snapshot struct {
	Version       int                  `json:"version"`
	TakenAt       time.Time            `json:"taken_at"`
	Conversations []Conversation       `json:"conversations"`
	Messages      map[string][]Message `json:"messages"`
}

// Snapshot copies the whole state under the read lock.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		Version:  SnapshotVersion,
		TakenAt:  time.Now().UTC(),
		Messages: make(map[string][]Message),
	}
	s.View(func(v *View) {
		snap.Conversations = v.Conversations()
		for id, buf := range v.s.buffers {
			if buf.Len() > 0 {
				snap.Messages[id] = buf.Messages()
			}
		}
	})
	return snap
}

// Restore replaces the state with snap.
func (s *State) Restore(snap Snapshot) {
	_ = s.Update(func(tx *Tx) error {
		tx.Restore(snap)
		return nil
	})
}

// Restore replaces the state with snap inside a transaction.
func (tx *Tx) Restore(snap Snapshot) {
	tx.Reset()
	s := tx.s
	for _, c := range snap.Conversations {
		if c.ID == "" {
			continue
		}
		cp := c.clone()
		s.convs[cp.ID] = &cp
		s.order = append(s.order, cp.ID)
	}
	for id, msgs := range snap.Messages {
		if _, ok := s.convs[id]; !ok {
			continue
		}
		buf := tx.buffer(id)
		for _, m := range msgs {
			buf.Insert(m)
			s.seen.Mark(id, m.ID)
		}
	}
	rerank(s.order, s.convs)
}
