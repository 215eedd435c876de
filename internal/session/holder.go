package session

import (
	"sync"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
)

// UpdateHolder owns the latest search result and the ids selected from it.
// The result slice is replaced wholesale and never mutated in place; only
// the selected set changes incrementally. Its lock is the update-holder lock.
type UpdateHolder struct {
	mu         sync.RWMutex
	result     []engine.Update
	hasResult  bool
	selected   map[string]struct{}
	autoSelect bool
}

func NewUpdateHolder(autoSelect bool) *UpdateHolder {
	return &UpdateHolder{
		selected:   make(map[string]struct{}),
		autoSelect: autoSelect,
	}
}

func (h *UpdateHolder) AutoSelect() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.autoSelect
}

// SetAutoSelect changes the policy applied to the next search result.
func (h *UpdateHolder) SetAutoSelect(v bool) {
	h.mu.Lock()
	h.autoSelect = v
	h.mu.Unlock()
}

// SetSearchResult replaces the held result and clears the selection. With
// auto-select enabled every important update is selected. An empty result
// is valid.
func (h *UpdateHolder) SetSearchResult(updates []engine.Update) {
	snapshot := append([]engine.Update(nil), updates...)
	selected := make(map[string]struct{})

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.autoSelect {
		for _, u := range snapshot {
			if IsImportant(u) {
				selected[u.ID()] = struct{}{}
			}
		}
	}
	h.result = snapshot
	h.hasResult = true
	h.selected = selected
}

// HasResult reports whether a search result has been stored.
func (h *UpdateHolder) HasResult() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hasResult
}

// Updates returns the current search result.
func (h *UpdateHolder) Updates() []engine.Update {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.result
}

// Find returns the update with id from the current result.
func (h *UpdateHolder) Find(id string) (engine.Update, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.findLocked(id)
}

func (h *UpdateHolder) findLocked(id string) (engine.Update, error) {
	if !h.hasResult {
		return nil, &UpdateNotFoundError{}
	}
	for _, u := range h.result {
		if u.ID() == id {
			return u, nil
		}
	}
	return nil, &UpdateNotFoundError{ID: id}
}

// Select marks id for the next download and install. Selecting twice is a no-op.
func (h *UpdateHolder) Select(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.findLocked(id); err != nil {
		return err
	}
	h.selected[id] = struct{}{}
	return nil
}

// Unselect removes id from the selection. Unselecting an update that was
// never selected is a no-op.
func (h *UpdateHolder) Unselect(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.findLocked(id); err != nil {
		return err
	}
	delete(h.selected, id)
	return nil
}

func (h *UpdateHolder) IsSelected(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.selected[id]
	return ok
}

// Selected returns the selected updates of the current result for which
// filter holds, in search-result order. A nil filter accepts every update.
func (h *UpdateHolder) Selected(filter func(engine.Update) bool) []engine.Update {
	h.mu.RLock()
	result := h.result
	selected := make(map[string]struct{}, len(h.selected))
	for id := range h.selected {
		selected[id] = struct{}{}
	}
	h.mu.RUnlock()

	var out []engine.Update
	for _, u := range result {
		if _, ok := selected[u.ID()]; !ok {
			continue
		}
		if filter == nil || filter(u) {
			out = append(out, u)
		}
	}
	return out
}

// ToRecord converts u, reading its selection state now.
func (h *UpdateHolder) ToRecord(u engine.Update) UpdateRecord {
	return newRecord(u, h.IsSelected(u.ID()))
}

// Records converts the whole current result.
func (h *UpdateHolder) Records() []UpdateRecord {
	updates := h.Updates()
	records := make([]UpdateRecord, 0, len(updates))
	for _, u := range updates {
		records = append(records, h.ToRecord(u))
	}
	return records
}
