// Package updater drives over-the-air updates: it fetches the remote
// manifest through the transfer client, diffs it against the versions
// embedded in local files, and downloads and atomically installs every
// file whose remote version is ahead. The whole flow is a cooperative
// state machine advanced one phase per controller tick.
package updater

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"boxd/internal/eventbus"
)

// Phase is the updater's state machine position.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseAwaitingManifest Phase = "awaiting_manifest"
	PhaseComparing        Phase = "comparing"
	PhasePreparingFile    Phase = "preparing_file"
	PhaseRequestingFile   Phase = "requesting_file"
	PhaseAwaitingFile     Phase = "awaiting_file"
	PhaseDone             Phase = "done"
	PhaseFailed           Phase = "failed"
)

// Event names published by the updater.
const (
	EventCheckStart      = "check.start"
	EventCheckComplete   = "check.complete"
	EventCheckError      = "check.error"
	EventUpdateStart     = "update.start"
	EventUpdateFileStart = "update.file_start"
	EventUpdateFileDone  = "update.file_done"
	EventUpdateComplete  = "update.complete"
	EventUpdateError     = "update.error"
)

// Events are the bus events the updater publishes through.
type Events struct {
	CheckStart     *eventbus.Event
	CheckComplete  *eventbus.Event
	CheckError     *eventbus.Event
	UpdateStart    *eventbus.Event
	FileStart      *eventbus.Event
	FileDone       *eventbus.Event
	UpdateComplete *eventbus.Event
	UpdateError    *eventbus.Event
}

// NewEvents creates and registers the updater's events.
func NewEvents(reg *eventbus.Registry, log zerolog.Logger) Events {
	mk := func(name, desc string) *eventbus.Event {
		return reg.Register(eventbus.New(name, desc, "updater", log))
	}
	return Events{
		CheckStart:     mk(EventCheckStart, "Version check started"),
		CheckComplete:  mk(EventCheckComplete, "Version check finished"),
		CheckError:     mk(EventCheckError, "Version check failed"),
		UpdateStart:    mk(EventUpdateStart, "Update run started"),
		FileStart:      mk(EventUpdateFileStart, "File install started"),
		FileDone:       mk(EventUpdateFileDone, "File installed"),
		UpdateComplete: mk(EventUpdateComplete, "Update run finished"),
		UpdateError:    mk(EventUpdateError, "Update run failed"),
	}
}

// Fetcher is the transfer client surface the updater consumes.
type Fetcher interface {
	Fetch(file, dest string, chunk int, source string) error
}

// Config carries the updater's parameters.
type Config struct {
	Root      string // managed files root
	Device    string // recorded in the generated local manifest
	Source    string // device the manifest and files are fetched from
	ChunkSize int
}

// Updater is the orchestrator. All methods run on the controller
// goroutine; completion and error notifications arrive as bus events from
// the transfer client (see Bind).
type Updater struct {
	fetcher Fetcher
	cfg     Config
	events  Events
	log     zerolog.Logger

	phase      Phase
	fullUpdate bool
	manifest   Manifest
	local      map[string]string
	pending    []string
	newer      []string
	current    string
	installed  int
	errMsg     string
}

// New builds the updater. fetcher may be nil, in which case every start
// request is rejected as unavailable.
func New(fetcher Fetcher, cfg Config, events Events, log zerolog.Logger) *Updater {
	return &Updater{
		fetcher: fetcher,
		cfg:     cfg,
		events:  events,
		log:     log.With().Str("component", "updater").Logger(),
		phase:   PhaseIdle,
	}
}

// Bind subscribes the updater to the transfer client's completion and
// error events.
func (u *Updater) Bind(fetchComplete, fetchError *eventbus.Event) {
	fetchComplete.Subscribe(u.onFetchComplete)
	fetchError.Subscribe(u.onFetchError)
}

// Phase returns the current state machine position.
func (u *Updater) Phase() Phase { return u.phase }

// Err returns the diagnostic from the last failed run.
func (u *Updater) Err() string { return u.errMsg }

// Pending returns the paths still queued for install.
func (u *Updater) Pending() []string {
	return append([]string(nil), u.pending...)
}

// Newer returns the locally-ahead paths found by the last compare.
func (u *Updater) Newer() []string {
	return append([]string(nil), u.newer...)
}

// Versions scans the managed root and returns path -> embedded version.
func (u *Updater) Versions() (map[string]string, error) {
	return ScanVersions(u.cfg.Root)
}

// StartCheck fetches the remote manifest and reports what would change.
func (u *Updater) StartCheck() error { return u.start(false, true) }

// StartCheckLocal compares against the previously fetched manifest
// without touching the network.
func (u *Updater) StartCheckLocal() error { return u.start(false, false) }

// StartUpdate runs a full over-the-air update.
func (u *Updater) StartUpdate() error { return u.start(true, true) }

func (u *Updater) start(full, fetchManifest bool) error {
	switch u.phase {
	case PhaseIdle, PhaseDone, PhaseFailed:
	default:
		return notIdleError{phase: u.phase}
	}
	if u.fetcher == nil {
		return ErrUnavailable("updater: transfer client not available")
	}

	u.fullUpdate = full
	u.manifest = nil
	u.pending = nil
	u.newer = nil
	u.current = ""
	u.installed = 0
	u.errMsg = ""

	if full {
		u.events.UpdateStart.Publish(map[string]any{})
	} else {
		u.events.CheckStart.Publish(map[string]any{})
	}

	local, err := ScanVersions(u.cfg.Root)
	if err != nil {
		u.fail("scan local versions: " + err.Error())
		return err
	}
	u.local = local
	if err := WriteLocalManifest(u.cfg.Root, u.cfg.Device, local); err != nil {
		// The generated manifest is informational; the run proceeds.
		u.log.Warn().Err(err).Msg("write local manifest failed")
	}

	if fetchManifest {
		u.log.Info().Str("source", u.cfg.Source).Msg("requesting remote manifest")
		if err := u.fetcher.Fetch(RemoteManifest, u.stagedManifestPath(), u.cfg.ChunkSize, u.cfg.Source); err != nil {
			u.fail("request manifest: " + err.Error())
			return err
		}
		u.phase = PhaseAwaitingManifest
		return nil
	}

	if err := u.loadManifest(); err != nil {
		u.fail(err.Error())
		return err
	}
	u.phase = PhaseComparing
	return nil
}

// Step advances the state machine by at most one phase. Waiting phases
// (AwaitingManifest, AwaitingFile) only move via fetch events; Failed
// stays put until the next explicit start.
func (u *Updater) Step() {
	switch u.phase {
	case PhaseComparing:
		u.compare()
	case PhasePreparingFile:
		u.prepareNext()
	case PhaseRequestingFile:
		u.requestCurrent()
	case PhaseDone:
		u.finishRun()
	}
}

func (u *Updater) stagedManifestPath() string {
	return filepath.Join(u.cfg.Root, StagedManifest)
}

func (u *Updater) loadManifest() error {
	b, err := os.ReadFile(u.stagedManifestPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no cached manifest: run a check first")
		}
		return fmt.Errorf("read manifest: %v", err)
	}
	m, err := ParseManifest(b)
	if err != nil {
		return err
	}
	u.manifest = m
	return nil
}

func (u *Updater) compare() {
	u.pending = u.pending[:0]
	u.newer = u.newer[:0]
	for _, path := range SortedPaths(u.manifest) {
		entry := u.manifest[path]
		local, present := u.local[path]

		needs := false
		switch {
		case entry.Version == "":
			// Malformed entry: conservatively treat as needing update.
			needs = true
		case !present:
			needs = true
		default:
			cmp, err := CompareVersions(local, entry.Version)
			switch {
			case err != nil:
				needs = true
			case cmp < 0:
				needs = true
			case cmp > 0:
				u.newer = append(u.newer, path)
			}
		}
		if needs {
			u.pending = append(u.pending, path)
		}
		u.log.Debug().Str("file", path).Str("local", local).
			Str("remote", entry.Version).Bool("pending", needs).Msg("compared")
	}

	u.log.Info().Int("pending", len(u.pending)).Int("newer", len(u.newer)).Msg("manifest compared")
	if !u.fullUpdate {
		u.phase = PhaseDone
		return
	}
	u.phase = PhasePreparingFile
}

func (u *Updater) prepareNext() {
	if len(u.pending) == 0 {
		u.phase = PhaseDone
		return
	}
	u.current = u.pending[0]
	u.pending = u.pending[1:]
	u.events.FileStart.Publish(map[string]any{"file": u.current})
	u.phase = PhaseRequestingFile
}

func (u *Updater) requestCurrent() {
	dest := u.installPath(u.current) + ".new"
	u.log.Info().Str("file", u.current).Str("dest", dest).Msg("requesting file")
	if err := u.fetcher.Fetch(u.current, dest, u.cfg.ChunkSize, u.cfg.Source); err != nil {
		u.fail(fmt.Sprintf("request %s: %v", u.current, err))
		return
	}
	u.phase = PhaseAwaitingFile
}

func (u *Updater) installPath(path string) string {
	return filepath.Join(u.cfg.Root, filepath.FromSlash(path))
}

// install verifies the staged download and promotes it over the target
// with an atomic rename. An interrupted run leaves the original file
// untouched and at worst a stale .new alongside it.
func (u *Updater) install(path string) error {
	target := u.installPath(path)
	staged := target + ".new"

	st, err := os.Stat(staged)
	if err != nil {
		return fmt.Errorf("staged file missing: %v", err)
	}
	if st.Size() == 0 {
		return fmt.Errorf("staged file %s is empty", staged)
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove old %s: %v", target, err)
	}
	if err := os.Rename(staged, target); err != nil {
		return fmt.Errorf("install %s: %v", target, err)
	}
	u.installed++
	filesInstalledTotal.Inc()
	u.log.Info().Str("file", path).Int64("bytes", st.Size()).Msg("installed")
	return nil
}

func (u *Updater) onFetchComplete(_ *eventbus.Event, data map[string]any) error {
	dest, _ := data["dest"].(string)
	switch u.phase {
	case PhaseAwaitingManifest:
		if dest != u.stagedManifestPath() {
			return nil
		}
		if err := u.loadManifest(); err != nil {
			u.fail(err.Error())
			return nil
		}
		u.phase = PhaseComparing
	case PhaseAwaitingFile:
		if dest != u.installPath(u.current)+".new" {
			return nil
		}
		if err := u.install(u.current); err != nil {
			u.fail(err.Error())
			return nil
		}
		u.events.FileDone.Publish(map[string]any{"file": u.current})
		u.phase = PhasePreparingFile
	}
	return nil
}

func (u *Updater) onFetchError(_ *eventbus.Event, data map[string]any) error {
	switch u.phase {
	case PhaseAwaitingManifest, PhaseAwaitingFile:
		msg, _ := data["error"].(string)
		u.fail("fetch error: " + msg)
	}
	return nil
}

func (u *Updater) finishRun() {
	mode := u.mode()
	if u.fullUpdate {
		u.events.UpdateComplete.Publish(map[string]any{
			"installed": u.installed,
			"newer":     u.Newer(),
		})
	} else {
		u.events.CheckComplete.Publish(map[string]any{
			"pending": u.Pending(),
			"newer":   u.Newer(),
		})
	}
	runsTotal.WithLabelValues(mode, "ok").Inc()
	u.log.Info().Str("mode", mode).Msg("run complete")
	u.phase = PhaseIdle
}

func (u *Updater) fail(msg string) {
	mode := u.mode()
	u.errMsg = msg
	u.log.Warn().Str("mode", mode).Msg("run failed: " + msg)
	if u.fullUpdate {
		u.events.UpdateError.Publish(map[string]any{"error": msg})
	} else {
		u.events.CheckError.Publish(map[string]any{"error": msg})
	}
	runsTotal.WithLabelValues(mode, "error").Inc()
	u.phase = PhaseFailed
}

func (u *Updater) mode() string {
	if u.fullUpdate {
		return "update"
	}
	return "check"
}
