//go:build windows

package wua

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/logging"
)

var log = logging.L("wua")

// DefaultClientID identifies this service to the agent's own logs.
const DefaultClientID = "wuremote"

var _ engine.Engine = (*Engine)(nil)

// keptGenerations is how many search results keep their COM references.
const keptGenerations = 2

// Host answers the machine queries the agent does not cover.
type Host interface {
	FreeDiskSpace() (uint64, error)
	SystemInfo() (engine.SystemInfo, error)
}

// Options configures an Engine.
type Options struct {
	ClientID string
	Host     Host
}

// Engine implements engine.Engine over Microsoft.Update.Session.
type Engine struct {
	host     Host
	clientID string
	session  *ole.IDispatch

	stop chan struct{}
	done chan struct{}

	mu          sync.Mutex
	generations [][]*Update
	closed      bool
}

// New joins the process MTA, starts wuauserv when needed and creates the
// update session.
func New(opts Options) (*Engine, error) {
	if opts.Host == nil {
		return nil, errors.New("wua: host is required")
	}
	if opts.ClientID == "" {
		opts.ClientID = DefaultClientID
	}
	e := &Engine{
		host:     opts.Host,
		clientID: opts.ClientID,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := e.anchor(); err != nil {
		return nil, err
	}

	err := withCOM(func() error {
		if err := ensureService(); err != nil {
			return err
		}
		session, err := createDispatch("Microsoft.Update.Session")
		if err != nil {
			return err
		}
		if _, err := oleutil.PutProperty(session, "ClientApplicationID", e.clientID); err != nil {
			log.Warn("failed to set client application id", "error", err.Error())
		}
		e.session = session
		return nil
	})
	if err != nil {
		close(e.stop)
		<-e.done
		return nil, fmt.Errorf("failed to create update session: %w", err)
	}
	log.Info("update agent session created", "clientId", e.clientID)
	return e, nil
}

// anchor keeps one thread in the MTA until Close so the apartment outlives
// every short withCOM call.
func (e *Engine) anchor() error {
	ready := make(chan error, 1)
	go func() {
		defer close(e.done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil && hresultOf(err) != sFalse {
			ready <- fmt.Errorf("failed to initialize COM: %w", err)
			return
		}
		ready <- nil
		<-e.stop
		ole.CoUninitialize()
	}()
	return <-ready
}

// Close releases every agent object and leaves the MTA.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	generations := e.generations
	e.generations = nil
	e.mu.Unlock()

	err := withCOM(func() error {
		for _, g := range generations {
			for _, u := range g {
				u.release()
			}
		}
		e.session.Release()
		return nil
	})
	close(e.stop)
	<-e.done
	return err
}

// remember keeps the newest search results alive and releases older ones.
// Called inside withCOM.
func (e *Engine) remember(found []*Update) {
	e.mu.Lock()
	e.generations = append(e.generations, found)
	var stale [][]*Update
	if n := len(e.generations); n > keptGenerations {
		stale = e.generations[:n-keptGenerations]
		e.generations = append([][]*Update(nil), e.generations[n-keptGenerations:]...)
	}
	e.mu.Unlock()

	for _, g := range stale {
		for _, u := range g {
			u.release()
		}
	}
}

func (e *Engine) FreeDiskSpace() (uint64, error) {
	return e.host.FreeDiskSpace()
}

// RebootPending combines the agent's SystemInfo.RebootRequired with the
// registry markers left by servicing.
func (e *Engine) RebootPending() (bool, error) {
	if pending, reasons := detectPendingReboot(); pending {
		log.Debug("reboot pending", "reasons", reasons)
		return true, nil
	}
	var required bool
	err := withCOM(func() error {
		info, err := createDispatch("Microsoft.Update.SystemInfo")
		if err != nil {
			return err
		}
		defer info.Release()
		required, err = getBoolProperty(info, "RebootRequired")
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to read reboot state: %w", err)
	}
	return required, nil
}

func (e *Engine) InstallerStatus() (engine.InstallerStatus, error) {
	var st engine.InstallerStatus
	err := withCOM(func() error {
		installer, err := callDispatch(e.session, "CreateUpdateInstaller")
		if err != nil {
			return err
		}
		defer installer.Release()
		if st.IsBusy, err = getBoolProperty(installer, "IsBusy"); err != nil {
			return fmt.Errorf("IsBusy: %w", err)
		}
		if st.RebootRequiredBeforeInstallation, err = getBoolProperty(installer, "RebootRequiredBeforeInstallation"); err != nil {
			return fmt.Errorf("RebootRequiredBeforeInstallation: %w", err)
		}
		return nil
	})
	return st, err
}

func (e *Engine) SystemInfo() (engine.SystemInfo, error) {
	info, err := e.host.SystemInfo()
	if err != nil {
		return engine.SystemInfo{}, err
	}
	info.UpdateServer, info.TargetGroup = updateTarget()
	return info, nil
}

func (e *Engine) RequestReboot() error {
	log.Warn("requesting operating system restart")
	return requestReboot()
}

func (e *Engine) BeginSearch(criteria string, cb engine.Callbacks, state any) (engine.Job, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	j := newJob(kindSearch, nil, cb, state)
	go e.runSearch(j, criteria)
	return j, nil
}

func (e *Engine) BeginDownload(updates []engine.Update, cb engine.Callbacks, state any) (engine.Job, error) {
	return e.beginBatch(kindDownload, updates, cb, state)
}

func (e *Engine) BeginInstall(updates []engine.Update, cb engine.Callbacks, state any) (engine.Job, error) {
	return e.beginBatch(kindInstall, updates, cb, state)
}

func (e *Engine) beginBatch(kind jobKind, updates []engine.Update, cb engine.Callbacks, state any) (engine.Job, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	own := make([]*Update, 0, len(updates))
	for _, u := range updates {
		wu, ok := u.(*Update)
		if !ok || wu.disp == nil {
			return nil, fmt.Errorf("update %s did not come from this engine", u.ID())
		}
		own = append(own, wu)
	}
	j := newJob(kind, own, cb, state)
	go e.runBatch(j)
	return j, nil
}

func (e *Engine) open() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("wua: engine closed")
	}
	return nil
}

func (e *Engine) EndSearch(job engine.Job) (*engine.SearchResult, error) {
	j, err := collect(job, kindSearch)
	if err != nil {
		return nil, err
	}
	return &engine.SearchResult{ResultCode: j.code, Updates: j.found, Warnings: j.warnings}, nil
}

func (e *Engine) EndDownload(job engine.Job) (*engine.DownloadResult, error) {
	j, err := collect(job, kindDownload)
	if err != nil {
		return nil, err
	}
	return &engine.DownloadResult{
		ResultCode: j.code,
		HResult:    firstHResult(j.items, j.code == engine.ResultAborted),
		Updates:    j.engineUpdates(),
	}, nil
}

func (e *Engine) EndInstall(job engine.Job) (*engine.InstallResult, error) {
	j, err := collect(job, kindInstall)
	if err != nil {
		return nil, err
	}
	return &engine.InstallResult{
		ResultCode:     j.code,
		HResult:        firstHResult(j.items, j.code == engine.ResultAborted),
		RebootRequired: rebootRequired(j.items),
		Updates:        j.engineUpdates(),
	}, nil
}

func (e *Engine) runSearch(j *Job, criteria string) {
	var (
		found    []*Update
		warnings []string
		code     engine.ResultCode
	)
	err := withCOM(func() error {
		if err := ensureService(); err != nil {
			return err
		}
		searcher, err := callDispatch(e.session, "CreateUpdateSearcher")
		if err != nil {
			return err
		}
		defer searcher.Release()

		resultVar, err := callWithRetry("Search", func() (*ole.VARIANT, error) {
			return oleutil.CallMethod(searcher, "Search", criteria)
		})
		if err != nil {
			return err
		}
		defer resultVar.Clear()
		result := resultVar.ToIDispatch()
		if result == nil {
			return errors.New("search returned no result")
		}

		rc, _ := getIntProperty(result, "ResultCode")
		code = engine.ResultCode(rc)
		found, err = readUpdates(result)
		if err != nil {
			return err
		}
		warnings = readWarnings(result)
		e.remember(found)
		return nil
	})

	if err != nil {
		hr := hresultOf(err)
		log.Warn("search failed", "hresult", engine.FormatHResult(hr), "error", err.Error())
		j.finish(engine.ResultFailed, fmt.Errorf("search failed: %w", err))
		return
	}
	if j.abortRequested() {
		j.finish(engine.ResultAborted, nil)
		return
	}

	out := make([]engine.Update, len(found))
	for i, u := range found {
		out[i] = u
	}
	j.mu.Lock()
	j.found = out
	j.warnings = warnings
	j.mu.Unlock()
	log.Info("search finished", "resultCode", code.String(), "updates", len(found))
	j.finish(code, nil)
}

func readUpdates(result *ole.IDispatch) ([]*Update, error) {
	updates, err := getDispatch(result, "Updates")
	if err != nil {
		return nil, err
	}
	defer updates.Release()

	count, err := getIntProperty(updates, "Count")
	if err != nil {
		return nil, fmt.Errorf("updates count failed: %w", err)
	}
	found := make([]*Update, 0, count)
	for i := 0; i < count; i++ {
		item, err := callDispatch(updates, "Item", i)
		if err != nil {
			log.Warn("skipping unreadable update", "index", i, "error", err.Error())
			continue
		}
		u, err := newUpdate(item)
		item.Release()
		if err != nil {
			log.Warn("skipping unreadable update", "index", i, "error", err.Error())
			continue
		}
		found = append(found, u)
	}
	return found, nil
}

// readWarnings reads the search result's IUpdateExceptionCollection.
func readWarnings(result *ole.IDispatch) []string {
	exceptions, err := getDispatch(result, "Warnings")
	if err != nil {
		return nil
	}
	defer exceptions.Release()

	count, _ := getIntProperty(exceptions, "Count")
	var out []string
	for i := 0; i < count; i++ {
		item, err := callDispatch(exceptions, "Item", i)
		if err != nil {
			continue
		}
		if msg, err := getStringProperty(item, "Message"); err == nil && msg != "" {
			out = append(out, msg)
		}
		item.Release()
	}
	return out
}

// runBatch downloads or installs the job's updates one at a time.
func (e *Engine) runBatch(j *Job) {
	n := len(j.updates)
	items := make([]itemResult, 0, n)
	aborted := false

	for i, u := range j.updates {
		if j.abortRequested() {
			aborted = true
			break
		}
		j.progress(engine.Progress{Current: u, Index: i, Count: n, Percent: percent(i, n)})

		var res itemResult
		if j.kind == kindDownload {
			res = e.downloadOne(u)
			if res.code.Succeeded() {
				u.setDownloaded()
			}
		} else {
			res = e.installOne(u)
			if res.code.Succeeded() {
				u.setInstalled()
			}
		}
		if res.hresult != 0 {
			log.Warn(string(j.kind)+" of update failed", "updateId", u.ID(), "hresult", engine.FormatHResult(res.hresult))
		}
		items = append(items, res)
	}
	if !aborted && n > 0 {
		j.progress(engine.Progress{Current: j.updates[n-1], Index: n - 1, Count: n, Percent: 100})
	}

	code := aggregate(items, aborted)
	j.mu.Lock()
	j.items = items
	j.mu.Unlock()
	log.Info(string(j.kind)+" finished", "resultCode", code.String(), "updates", n)
	j.finish(code, nil)
}

func (e *Engine) downloadOne(u *Update) itemResult {
	var res itemResult
	err := withCOM(func() error {
		coll, err := newCollection(u)
		if err != nil {
			return err
		}
		defer coll.Release()

		downloader, err := callDispatch(e.session, "CreateUpdateDownloader")
		if err != nil {
			return err
		}
		defer downloader.Release()
		if _, err := oleutil.PutProperty(downloader, "Updates", coll); err != nil {
			return fmt.Errorf("set downloader updates failed: %w", err)
		}

		resultVar, err := callWithRetry("Download", func() (*ole.VARIANT, error) {
			return oleutil.CallMethod(downloader, "Download")
		})
		if err != nil {
			return err
		}
		defer resultVar.Clear()
		res = readItemResult(resultVar.ToIDispatch(), false)
		return nil
	})
	if err != nil {
		return itemResult{code: engine.ResultFailed, hresult: hresultOf(err)}
	}
	return res
}

func (e *Engine) installOne(u *Update) itemResult {
	var res itemResult
	err := withCOM(func() error {
		coll, err := newCollection(u)
		if err != nil {
			return err
		}
		defer coll.Release()

		installer, err := callDispatch(e.session, "CreateUpdateInstaller")
		if err != nil {
			return err
		}
		defer installer.Release()
		if _, err := oleutil.PutProperty(installer, "Updates", coll); err != nil {
			return fmt.Errorf("set installer updates failed: %w", err)
		}
		// IUpdateInstaller2 only; older agents prompt as they always did.
		_, _ = oleutil.PutProperty(installer, "ForceQuiet", true)

		resultVar, err := callWithRetry("Install", func() (*ole.VARIANT, error) {
			return oleutil.CallMethod(installer, "Install")
		})
		if err != nil {
			return err
		}
		defer resultVar.Clear()
		res = readItemResult(resultVar.ToIDispatch(), true)
		return nil
	})
	if err != nil {
		return itemResult{code: engine.ResultFailed, hresult: hresultOf(err)}
	}
	return res
}

func newCollection(u *Update) (*ole.IDispatch, error) {
	coll, err := createDispatch("Microsoft.Update.UpdateColl")
	if err != nil {
		return nil, err
	}
	if _, err := oleutil.CallMethod(coll, "Add", u.disp); err != nil {
		coll.Release()
		return nil, fmt.Errorf("add update failed: %w", err)
	}
	return coll, nil
}

// readItemResult reads a one-update download or installation result.
func readItemResult(result *ole.IDispatch, install bool) itemResult {
	if result == nil {
		return itemResult{code: engine.ResultFailed}
	}
	rc, _ := getIntProperty(result, "ResultCode")
	res := itemResult{code: engine.ResultCode(rc)}

	if ur, err := callDispatch(result, "GetUpdateResult", 0); err == nil {
		hr, _ := getIntProperty(ur, "HResult")
		res.hresult = int(uint32(hr))
		if install {
			res.rebootRequired, _ = getBoolProperty(ur, "RebootRequired")
		}
		ur.Release()
	}
	if install && !res.rebootRequired {
		res.rebootRequired, _ = getBoolProperty(result, "RebootRequired")
	}
	if res.hresult == 0 && !res.code.Succeeded() {
		hr, _ := getIntProperty(result, "HResult")
		res.hresult = int(uint32(hr))
	}
	return res
}
