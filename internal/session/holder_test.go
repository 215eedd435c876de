package session

import (
	"errors"
	"testing"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine/memory"
)

func updates(us ...*memory.Update) []engine.Update {
	out := make([]engine.Update, len(us))
	for i, u := range us {
		out[i] = u
	}
	return out
}

func TestIsImportant(t *testing.T) {
	tests := []struct {
		name string
		u    *memory.Update
		want bool
	}{
		{"always", &memory.Update{Selection: engine.AutoSelectionAlways}, true},
		{"never beats mandatory", &memory.Update{Selection: engine.AutoSelectionNever, Mandatory: true}, false},
		{"if downloaded, downloaded", &memory.Update{Selection: engine.AutoSelectionIfDownloaded, Downloaded: true}, true},
		{"if downloaded, not downloaded", &memory.Update{Selection: engine.AutoSelectionIfDownloaded}, false},
		{"default, not browse only", &memory.Update{Selection: engine.AutoSelectionDefault, HasBrowseOnly: true}, true},
		{"default, browse only", &memory.Update{Selection: engine.AutoSelectionDefault, HasBrowseOnly: true, BrowseOnlyFlag: true, Mandatory: true}, false},
		{"no metadata, mandatory", &memory.Update{Selection: engine.AutoSelectionUnavailable, Mandatory: true}, true},
		{"no metadata, auto select on web", &memory.Update{Selection: engine.AutoSelectionUnavailable, AutoSelectOnWeb: true}, true},
		{"no metadata, optional", &memory.Update{Selection: engine.AutoSelectionUnavailable}, false},
	}
	for _, tt := range tests {
		if got := IsImportant(tt.u); got != tt.want {
			t.Errorf("%s: IsImportant = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestHolderWithoutResult(t *testing.T) {
	h := NewUpdateHolder(true)
	if err := h.Select("a"); !errors.Is(err, ErrUpdateNotFound) {
		t.Fatalf("Select without result err = %v, want ErrUpdateNotFound", err)
	}
	if err := h.Unselect("a"); !errors.Is(err, ErrUpdateNotFound) {
		t.Fatalf("Unselect without result err = %v, want ErrUpdateNotFound", err)
	}
	if h.HasResult() {
		t.Fatal("HasResult should be false")
	}
}

func TestHolderEmptyResultIsValid(t *testing.T) {
	h := NewUpdateHolder(true)
	h.SetSearchResult(nil)
	if !h.HasResult() {
		t.Fatal("an empty search result is still a result")
	}
	if len(h.Records()) != 0 {
		t.Fatal("expected no records")
	}
	var nf *UpdateNotFoundError
	if err := h.Select("a"); !errors.As(err, &nf) || nf.ID != "a" {
		t.Fatalf("Select err = %v, want UpdateNotFoundError for a", err)
	}
}

func TestHolderSelectIsIdempotent(t *testing.T) {
	h := NewUpdateHolder(false)
	h.SetSearchResult(updates(&memory.Update{UpdateID: "a"}, &memory.Update{UpdateID: "b"}))

	for i := 0; i < 2; i++ {
		if err := h.Select("a"); err != nil {
			t.Fatalf("Select #%d: %v", i+1, err)
		}
		if got := h.Selected(nil); len(got) != 1 || got[0].ID() != "a" {
			t.Fatalf("after Select #%d selected = %v", i+1, got)
		}
	}

	if err := h.Unselect("b"); err != nil {
		t.Fatalf("Unselect of never selected id: %v", err)
	}
	if !h.IsSelected("a") || h.IsSelected("b") {
		t.Fatal("unselecting b must not touch a")
	}
	if err := h.Unselect("a"); err != nil {
		t.Fatalf("Unselect: %v", err)
	}
	if len(h.Selected(nil)) != 0 {
		t.Fatal("selection should be empty")
	}
}

func TestHolderReplaceClearsSelectionAndAutoSelects(t *testing.T) {
	important := &memory.Update{UpdateID: "imp", Selection: engine.AutoSelectionAlways}
	optional := &memory.Update{UpdateID: "opt", Selection: engine.AutoSelectionNever}

	h := NewUpdateHolder(false)
	h.SetSearchResult(updates(important, optional))
	if len(h.Selected(nil)) != 0 {
		t.Fatal("auto-select off should select nothing")
	}
	_ = h.Select("opt")

	h.SetAutoSelect(true)
	h.SetSearchResult(updates(important, optional))
	got := h.Selected(nil)
	if len(got) != 1 || got[0].ID() != "imp" {
		t.Fatalf("selected = %v, want only imp", got)
	}
}

func TestHolderSelectedKeepsResultOrderAndFilters(t *testing.T) {
	a := &memory.Update{UpdateID: "a", Eula: true}
	b := &memory.Update{UpdateID: "b"}
	c := &memory.Update{UpdateID: "c", Eula: true}
	h := NewUpdateHolder(false)
	h.SetSearchResult(updates(a, b, c))
	_ = h.Select("c")
	_ = h.Select("b")
	_ = h.Select("a")

	got := h.Selected(eulaAccepted)
	if len(got) != 2 || got[0].ID() != "a" || got[1].ID() != "c" {
		t.Fatalf("Selected(eulaAccepted) = %v, want [a c]", got)
	}
}

func TestToRecordReflectsUpdateFlags(t *testing.T) {
	u := &memory.Update{
		UpdateID:    "kb1",
		UpdateTitle: "Cumulative Update",
		Desc:        "fixes",
		MinSize:     10,
		MaxSize:     20,
		Selection:   engine.AutoSelectionAlways,
		Downloaded:  true,
		Eula:        true,
	}
	h := NewUpdateHolder(true)
	h.SetSearchResult(updates(u))

	r := h.ToRecord(u)
	if r.ID != "kb1" || r.Title != "Cumulative Update" || r.Description != "fixes" {
		t.Fatalf("identity not copied: %+v", r)
	}
	if r.MinDownloadSize != 10 || r.MaxDownloadSize != 20 {
		t.Fatalf("sizes not copied: %+v", r)
	}
	if r.IsImportant != IsImportant(u) || r.IsDownloaded != u.IsDownloaded() ||
		r.IsInstalled != u.IsInstalled() || r.EulaAccepted != u.EulaAccepted() {
		t.Fatalf("flags differ from update: %+v", r)
	}
	if !r.SelectedForInstallation {
		t.Fatal("important update should be selected")
	}

	_ = h.Unselect("kb1")
	if h.ToRecord(u).SelectedForInstallation {
		t.Fatal("record should read the live selection state")
	}
}
