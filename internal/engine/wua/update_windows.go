//go:build windows

package wua

import (
	"fmt"
	"sync"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
)

// Update is an IUpdate read once at search time. The installed, downloaded
// and eula flags are refreshed by the engine as jobs finish.
type Update struct {
	disp *ole.IDispatch

	id              string
	title           string
	description     string
	minSize         int64
	maxSize         int64
	recommended     int64
	mandatory       bool
	autoSelectOnWeb bool
	browseOnly      bool
	hasBrowseOnly   bool
	selection       engine.AutoSelection
	userInput       bool

	mu         sync.Mutex
	installed  bool
	downloaded bool
	eula       bool
}

// newUpdate snapshots update and keeps a reference to it. The caller keeps
// its own reference.
func newUpdate(update *ole.IDispatch) (*Update, error) {
	identity, err := getDispatch(update, "Identity")
	if err != nil {
		return nil, err
	}
	id, err := getStringProperty(identity, "UpdateID")
	identity.Release()
	if err != nil {
		return nil, fmt.Errorf("update identity: %w", err)
	}

	u := &Update{id: id}
	u.title, _ = getStringProperty(update, "Title")
	u.description, _ = getStringProperty(update, "Description")
	minSize, _ := getIntProperty(update, "MinDownloadSize")
	maxSize, _ := getIntProperty(update, "MaxDownloadSize")
	diskMB, _ := getIntProperty(update, "RecommendedHardDiskSpace")
	u.minSize, u.maxSize, u.recommended = int64(minSize), int64(maxSize), diskSpaceBytes(diskMB)
	u.mandatory, _ = getBoolProperty(update, "IsMandatory")
	u.autoSelectOnWeb, _ = getBoolProperty(update, "AutoSelectOnWebSites")
	u.installed, _ = getBoolProperty(update, "IsInstalled")
	u.downloaded, _ = getBoolProperty(update, "IsDownloaded")
	u.eula, _ = getBoolProperty(update, "EulaAccepted")

	if v, err := getBoolProperty(update, "BrowseOnly"); err == nil {
		u.browseOnly, u.hasBrowseOnly = v, true
	}
	// AutoSelection exists on IUpdate5 and later.
	mode, err := getIntProperty(update, "AutoSelection")
	u.selection = autoSelection(mode, err == nil)

	if behavior, err := getDispatch(update, "InstallationBehavior"); err == nil {
		u.userInput, _ = getBoolProperty(behavior, "CanRequestUserInput")
		behavior.Release()
	}

	update.AddRef()
	u.disp = update
	return u, nil
}

func (u *Update) ID() string                  { return u.id }
func (u *Update) Title() string               { return u.title }
func (u *Update) Description() string         { return u.description }
func (u *Update) MinDownloadSize() int64      { return u.minSize }
func (u *Update) MaxDownloadSize() int64      { return u.maxSize }
func (u *Update) RecommendedDiskSpace() int64 { return u.recommended }
func (u *Update) IsMandatory() bool           { return u.mandatory }
func (u *Update) AutoSelectOnWebSites() bool  { return u.autoSelectOnWeb }
func (u *Update) CanRequestUserInput() bool   { return u.userInput }

func (u *Update) BrowseOnly() (bool, bool) { return u.browseOnly, u.hasBrowseOnly }

func (u *Update) AutoSelection() engine.AutoSelection { return u.selection }

func (u *Update) IsInstalled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.installed
}

func (u *Update) IsDownloaded() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.downloaded
}

func (u *Update) EulaAccepted() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.eula
}

// AcceptEula accepts the license through the agent and re-reads the flag.
func (u *Update) AcceptEula() error {
	if u.EulaAccepted() {
		return nil
	}
	return withCOM(func() error {
		if _, err := oleutil.CallMethod(u.disp, "AcceptEula"); err != nil {
			return fmt.Errorf("AcceptEula call failed: %w", err)
		}
		accepted, err := getBoolProperty(u.disp, "EulaAccepted")
		if err != nil {
			return fmt.Errorf("failed to read EulaAccepted: %w", err)
		}
		u.mu.Lock()
		u.eula = accepted
		u.mu.Unlock()
		return nil
	})
}

func (u *Update) setDownloaded() {
	u.mu.Lock()
	u.downloaded = true
	u.mu.Unlock()
}

func (u *Update) setInstalled() {
	u.mu.Lock()
	u.installed = true
	u.mu.Unlock()
}

func (u *Update) release() {
	if u.disp != nil {
		u.disp.Release()
		u.disp = nil
	}
}
