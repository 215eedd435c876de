package session

import "github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"

// UpdateRecord is the transport-safe description of an update.
type UpdateRecord struct {
	ID                      string `json:"id"`
	Title                   string `json:"title"`
	Description             string `json:"description,omitempty"`
	MinDownloadSize         int64  `json:"minDownloadSize"`
	MaxDownloadSize         int64  `json:"maxDownloadSize"`
	IsImportant             bool   `json:"isImportant"`
	IsInstalled             bool   `json:"isInstalled"`
	IsDownloaded            bool   `json:"isDownloaded"`
	EulaAccepted            bool   `json:"eulaAccepted"`
	SelectedForInstallation bool   `json:"selectedForInstallation"`
}

// IsImportant applies the auto-select policy to u, preferring the engine's
// auto-selection mode, then the browse-only flag, then the mandatory and
// auto-select-on-web-sites flags.
func IsImportant(u engine.Update) bool {
	switch u.AutoSelection() {
	case engine.AutoSelectionAlways:
		return true
	case engine.AutoSelectionNever:
		return false
	case engine.AutoSelectionIfDownloaded:
		return u.IsDownloaded()
	}
	if browseOnly, ok := u.BrowseOnly(); ok {
		return !browseOnly
	}
	return u.IsMandatory() || u.AutoSelectOnWebSites()
}

func newRecord(u engine.Update, selected bool) UpdateRecord {
	return UpdateRecord{
		ID:                      u.ID(),
		Title:                   u.Title(),
		Description:             u.Description(),
		MinDownloadSize:         u.MinDownloadSize(),
		MaxDownloadSize:         u.MaxDownloadSize(),
		IsImportant:             IsImportant(u),
		IsInstalled:             u.IsInstalled(),
		IsDownloaded:            u.IsDownloaded(),
		EulaAccepted:            u.EulaAccepted(),
		SelectedForInstallation: selected,
	}
}
