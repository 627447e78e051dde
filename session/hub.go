package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Hub routes peer messages to the Manager of their protocol version and merges
// the managers' state for display.
type Hub struct {
	managers map[Version]*Manager
}

// Snapshot is the state of one protocol version.
type Snapshot struct {
	Version   Version    `json:"version"`
	Proposals []Proposal `json:"proposals"`
	Sessions  []Session  `json:"sessions"`
	Requests  []Request  `json:"requests"`
}

// NewHub creates a hub over managers. Each version may appear once.
func NewHub(managers ...*Manager) (*Hub, error) {
	h := &Hub{managers: make(map[Version]*Manager, len(managers))}
	for _, m := range managers {
		if m == nil {
			return nil, errors.New("manager cannot be nil")
		}
		if _, dup := h.managers[m.Version()]; dup {
			return nil, fmt.Errorf("duplicate manager for protocol version %s", m.Version())
		}
		h.managers[m.Version()] = m
	}
	return h, nil
}

// Manager returns the manager for v.
func (h *Hub) Manager(v Version) (*Manager, error) {
	m, ok := h.managers[v]
	if !ok {
		return nil, fmt.Errorf("no manager for protocol version %q", v)
	}
	return m, nil
}

// HandleMessage applies a raw wire message of version v.
func (h *Hub) HandleMessage(ctx context.Context, v Version, raw []byte) error {
	m, err := h.Manager(v)
	if err != nil {
		return err
	}
	return m.HandleMessage(ctx, raw)
}

// Snapshot returns the state of every version, ordered by version.
func (h *Hub) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, len(h.managers))
	for v, m := range h.managers {
		out = append(out, Snapshot{
			Version:   v,
			Proposals: m.Proposals(),
			Sessions:  m.Sessions(),
			Requests:  m.Requests(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Pending counts the proposals and requests awaiting a user decision across versions.
func (h *Hub) Pending() int {
	n := 0
	for _, m := range h.managers {
		n += len(m.Proposals()) + len(m.Requests())
	}
	return n
}

// CloseAll closes every session of every version.
func (h *Hub) CloseAll(ctx context.Context) error {
	var errs []error
	for _, m := range h.managers {
		if err := m.CloseAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
