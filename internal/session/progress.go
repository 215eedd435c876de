package session

// ProgressDescription describes how far the current job has come. Every
// field is optional. Without Index and Count the progress is indeterminate,
// which is how a search reports.
type ProgressDescription struct {
	CurrentUpdate *UpdateRecord `json:"currentUpdate,omitempty"`
	// Index is 0-based and below Count when both are set.
	Index   *int `json:"currentIndex,omitempty"`
	Count   *int `json:"count,omitempty"`
	Percent *int `json:"percent,omitempty"`
}

// Indeterminate returns a progress without index, count or percent.
func Indeterminate() *ProgressDescription {
	return &ProgressDescription{}
}

// IsIndeterminate reports whether the progress carries no position.
func (p *ProgressDescription) IsIndeterminate() bool {
	return p.Index == nil || p.Count == nil
}

// Equal reports whether p and o describe the same progress. Updates are
// compared by id.
func (p *ProgressDescription) Equal(o *ProgressDescription) bool {
	if p == nil || o == nil {
		return p == o
	}
	if (p.CurrentUpdate == nil) != (o.CurrentUpdate == nil) {
		return false
	}
	if p.CurrentUpdate != nil && p.CurrentUpdate.ID != o.CurrentUpdate.ID {
		return false
	}
	return intPtrEqual(p.Index, o.Index) && intPtrEqual(p.Count, o.Count) && intPtrEqual(p.Percent, o.Percent)
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func intPtr(v int) *int { return &v }
