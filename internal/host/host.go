// Package host is the process-wide registry of running App Supervisors,
// grounded on nexushub/processes's AdminInstanceProvider map-of-instances
// pattern: a guarded map keyed by app name, with Start/Reload/Terminate
// entry points a watcher loop (cmd/keterd) drives.
package host

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/riverport/keterd/bundle"
	"github.com/riverport/keterd/dbprovisioner"
	"github.com/riverport/keterd/health"
	"github.com/riverport/keterd/internal/tempdir"
	"github.com/riverport/keterd/proctracker"
	"github.com/riverport/keterd/router"
	"github.com/riverport/keterd/supervisor"
)

// ErrUnknownApp indicates Reload or Terminate named an app with no running
// Supervisor.
var ErrUnknownApp = fmt.Errorf("host: unknown app")

// ErrAlreadyRunning indicates Start named an app that already has a
// Supervisor registered.
var ErrAlreadyRunning = fmt.Errorf("host: app already running")

// ErrStillStarting indicates Reload or Terminate named an app whose Start
// has reserved a slot but not yet finished bring-up.
var ErrStillStarting = fmt.Errorf("host: app still starting")

// Deps are the collaborators shared by every Supervisor the Host creates.
type Deps struct {
	Owner             *bundle.Owner
	Router            router.Router
	Tracker           proctracker.Tracker
	Provisioner       dbprovisioner.Provisioner
	Prober            health.Prober
	TempDirs          tempdir.Allocator
	Logger            *slog.Logger
	RetirementWindows supervisor.RetirementWindows
}

// Host owns the set of live Supervisors, one per running app.
type Host struct {
	deps Deps

	mu        sync.Mutex
	instances map[string]*entry
}

type entry struct {
	sup    *supervisor.Supervisor
	handle *supervisor.Handle
}

// New returns an empty Host.
func New(deps Deps) *Host {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Host{deps: deps, instances: make(map[string]*entry)}
}

// Start runs a new Supervisor's bring-up for appName against bundleRef and,
// on success, registers it. A failed bring-up leaves no entry behind (its
// placeholder is removed by RemoveFromList), so a later Start for the same
// appName is free to retry from scratch.
//
// The existence check and the registration of a placeholder entry happen
// under the same lock acquisition, grounded on nexushub/processes/manager.go's
// startProcess, which inserts a StateStarting placeholder into actualState
// before releasing its lock to do the actual bring-up — closing the
// check-then-act window where two concurrent Start calls for the same
// appName could each complete a full (unlocked) bring-up and leak the
// loser's child process, port lease, and routes.
func (h *Host) Start(appName, bundleRef string) error {
	h.mu.Lock()
	if _, exists := h.instances[appName]; exists {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, appName)
	}
	h.instances[appName] = &entry{}
	h.mu.Unlock()

	sup := supervisor.New(supervisor.Config{
		AppName:           appName,
		Owner:             h.deps.Owner,
		Router:            h.deps.Router,
		Tracker:           h.deps.Tracker,
		Provisioner:       h.deps.Provisioner,
		Prober:            h.deps.Prober,
		TempDirs:          h.deps.TempDirs,
		Logger:            h.deps.Logger,
		RetirementWindows: h.deps.RetirementWindows,
		RemoveFromList: func(name string) {
			h.mu.Lock()
			delete(h.instances, name)
			h.mu.Unlock()
		},
	})

	handle, err := sup.Start(bundleRef)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.instances[appName] = &entry{sup: sup, handle: handle}
	h.mu.Unlock()
	return nil
}

// Reload posts a Reload command to appName's running Supervisor.
func (h *Host) Reload(appName, bundleRef string) error {
	h.mu.Lock()
	e, ok := h.instances[appName]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownApp, appName)
	}
	if e.handle == nil {
		return fmt.Errorf("%w: %s", ErrStillStarting, appName)
	}
	e.handle.Reload(bundleRef)
	return nil
}

// Terminate posts a Terminate command to appName's running Supervisor. The
// entry is removed from the registry asynchronously, by the Supervisor's
// own RemoveFromList callback once it reaches Dead.
func (h *Host) Terminate(appName string) error {
	h.mu.Lock()
	e, ok := h.instances[appName]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownApp, appName)
	}
	if e.handle == nil {
		return fmt.Errorf("%w: %s", ErrStillStarting, appName)
	}
	e.handle.Terminate()
	return nil
}

// Running reports whether appName currently has a registered Supervisor.
func (h *Host) Running(appName string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.instances[appName]
	return ok
}

// AppNames returns the names of every currently-registered app, for
// diagnostics.
func (h *Host) AppNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.instances))
	for name := range h.instances {
		names = append(names, name)
	}
	return names
}
