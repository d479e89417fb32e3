// Package supervisor implements the per-app state machine from spec.md
// §4.4: Bootstrapping, Serving, Reloading, and Dead, driving the bundle
// extractor, config loader, and health prober against the Router,
// ProcessTracker, and DBProvisioner collaborators.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/riverport/keterd/bundle"
	"github.com/riverport/keterd/config"
	"github.com/riverport/keterd/dbprovisioner"
	"github.com/riverport/keterd/health"
	"github.com/riverport/keterd/internal/tempdir"
	"github.com/riverport/keterd/proctracker"
	"github.com/riverport/keterd/router"
)

// State is one of the four states in spec.md §4.4.
type State int

const (
	Bootstrapping State = iota
	Serving
	Reloading
	Dead
)

func (s State) String() string {
	switch s {
	case Bootstrapping:
		return "Bootstrapping"
	case Serving:
		return "Serving"
	case Reloading:
		return "Reloading"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// RetirementWindows controls the delayed-retirement job's two waits.
type RetirementWindows struct {
	Kill   time.Duration // drain window before the old child is terminated
	Delete time.Duration // further wait before the old directory is removed
}

// DefaultRetirementWindows returns the spec's 20s/60s windows.
func DefaultRetirementWindows() RetirementWindows {
	return RetirementWindows{Kill: 20 * time.Second, Delete: 60 * time.Second}
}

// Config wires a Supervisor's collaborators.
type Config struct {
	AppName           string
	Owner             *bundle.Owner
	Router            router.Router
	Tracker           proctracker.Tracker
	Provisioner       dbprovisioner.Provisioner
	Prober            health.Prober
	TempDirs          tempdir.Allocator
	Logger            *slog.Logger
	RemoveFromList    func(appName string)
	RetirementWindows RetirementWindows
}

// Supervisor is the per-app actor: a sequential mailbox loop over Reload
// and Terminate commands, holding at most two incarnations at once (during
// a reload cut-over). All mutable state lives on the loop goroutine's
// stack; there are no locks (§9's design note).
type Supervisor struct {
	cfg     Config
	mailbox chan command
	logger  *slog.Logger
	state   State
	current incarnation
}

type command interface{}

type reloadCommand struct{ bundleRef string }

type terminateCommand struct{}

// Handle is the cheap, shareable command surface callers use to drive a
// running Supervisor. Each call is a direct send into the supervisor's
// buffered mailbox, which does not block while the mailbox has room.
type Handle struct {
	mailbox chan command
}

// Reload posts a Reload command for bundleRef. The mailbox is generously
// buffered and drained continuously while the supervisor is alive, so this
// send does not block in normal operation; sending directly (rather than
// from a spawned goroutine) preserves arrival order against other calls
// from the same caller, per spec.md §5's "commands are applied in arrival
// order" guarantee.
func (h *Handle) Reload(bundleRef string) {
	h.mailbox <- reloadCommand{bundleRef: bundleRef}
}

// Terminate posts a Terminate command.
func (h *Handle) Terminate() {
	h.mailbox <- terminateCommand{}
}

// New constructs a Supervisor for one app. Start must be called to run its
// Initial Bring-up protocol.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetirementWindows == (RetirementWindows{}) {
		cfg.RetirementWindows = DefaultRetirementWindows()
	}
	logger := cfg.Logger.With("app", cfg.AppName)
	return &Supervisor{
		cfg:     cfg,
		mailbox: make(chan command, 16),
		logger:  logger,
		state:   Bootstrapping,
	}
}

// State returns the supervisor's current state. Safe to call only from
// tests/diagnostics; it is not synchronized against the loop goroutine and
// is meant for use after Start has returned and before any command has been
// posted, or from the same goroutine driving the supervisor in tests.
func (s *Supervisor) State() State { return s.state }

// Start launches the supervisor's mailbox actor and waits for it to report
// the outcome of the Initial Bring-up protocol (spec.md §4.4) against
// bundleRef. The actor — and this Supervisor's Bootstrapping state — is
// live from the moment the goroutine is scheduled, per §5's "each app runs
// as one independent supervisor task" model: bring-up runs on the task's
// own goroutine, never borrowing the caller's stack, so a caller that wants
// several apps' bring-ups running concurrently need only call Start from
// separate goroutines (see internal/host.Host.Start and cmd/keterd's watch
// loop). On success it returns a Handle with the actor already looping over
// Reload/Terminate commands. On any hard failure it returns the error; the
// actor has already invoked RemoveFromList and exited.
func (s *Supervisor) Start(bundleRef string) (*Handle, error) {
	result := make(chan error, 1)
	go s.loop(bundleRef, result)
	if err := <-result; err != nil {
		return nil, err
	}
	return &Handle{mailbox: s.mailbox}, nil
}

// materialize runs extraction, config loading, (if applicable) child launch
// and health probe, and publishes routes for the resulting incarnation. It
// performs its own cleanup on every failure path, as required for both the
// fatal Bring-up case and the non-fatal Reload case.
func (s *Supervisor) materialize(bundleRef string) (incarnation, error) {
	dir, err := s.cfg.TempDirs.New(s.cfg.AppName)
	if err != nil {
		return incarnation{}, fmt.Errorf("%w: %v", ErrTempDirFailed, err)
	}

	if err := bundle.Extract(bundleRef, dir, s.cfg.Owner); err != nil {
		return incarnation{}, err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		os.RemoveAll(dir)
		return incarnation{}, err
	}

	inc := incarnation{dir: dir, cfg: cfg}

	if cfg.App != nil {
		port, err := s.cfg.Router.GetPort()
		if err != nil {
			os.RemoveAll(dir)
			return incarnation{}, fmt.Errorf("%w: %v", ErrPortExhausted, err)
		}

		child, err := s.launch(dir, cfg.App, port)
		if err != nil {
			s.cfg.Router.ReleasePort(port)
			os.RemoveAll(dir)
			return incarnation{}, fmt.Errorf("%w: %v", ErrChildSpawnFailed, err)
		}

		if !s.cfg.Prober.Probe(port) {
			s.cfg.Tracker.Terminate(child)
			s.cfg.Router.ReleasePort(port)
			os.RemoveAll(dir)
			return incarnation{}, ErrProbeTimeout
		}

		inc.child = child
		inc.port = &port
	}

	s.publishRoutes(inc)
	return inc, nil
}

// publishRoutes adds every Router entry this incarnation's config
// describes. Per spec.md §4.4, this is only called after a health probe has
// already succeeded (or there is no app component to probe), so the Router
// never resolves a host to a not-yet-listening child.
func (s *Supervisor) publishRoutes(inc incarnation) {
	if inc.cfg.App != nil && inc.port != nil {
		target := router.PEPort(*inc.port)
		s.cfg.Router.AddEntry(inc.cfg.App.Host, target)
		for _, host := range inc.cfg.App.ExtraHosts {
			s.cfg.Router.AddEntry(host, target)
		}
	}
	for _, sh := range inc.cfg.StaticHosts {
		s.cfg.Router.AddEntry(sh.Host, router.PEStatic(sh.Root))
	}
	for _, rd := range inc.cfg.Redirects {
		s.cfg.Router.AddEntry(rd.From, router.PERedirect(rd.To))
	}
}

// retractRoutes removes every Router entry this incarnation's config
// describes.
func (s *Supervisor) retractRoutes(inc incarnation) {
	for host := range inc.routeSet() {
		s.cfg.Router.RemoveEntry(host)
	}
}

// launch execs the app's executable per spec.md §4.5.
func (s *Supervisor) launch(dir string, app *config.AppConfig, port int) (*proctracker.Handle, error) {
	execPath := filepath.Join(dir, "config", app.Exec)
	env := s.buildEnv(app, port)

	var ownerUID *int
	if s.cfg.Owner != nil {
		uid := s.cfg.Owner.UID
		ownerUID = &uid
	}

	return s.cfg.Tracker.Run(ownerUID, execPath, dir, app.Args, env, s.logger)
}

// buildEnv constructs the child's environment per spec.md §4.5.
func (s *Supervisor) buildEnv(app *config.AppConfig, port int) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "PORT="+strconv.Itoa(port))

	scheme := "http://"
	if app.SSL {
		scheme = "https://"
	}
	env = append(env, "APPROOT="+scheme+app.Host)

	if app.Postgres {
		info, err := s.cfg.Provisioner.GetInfo(s.cfg.AppName)
		if err != nil {
			s.logger.Warn("DBUnavailable", "error", err)
		} else {
			env = append(env,
				"PGHOST=localhost",
				"PGPORT=5432",
				"PGUSER="+info.User,
				"PGPASS="+info.Pass,
				"PGDATABASE="+info.Name,
			)
		}
	}

	return env
}

// loop is the mailbox actor. Its first action is always the Initial
// Bring-up protocol against bootstrapBundleRef, with the outcome signalled
// back on result; only once that completes does it begin processing
// Reload/Terminate commands, exactly one at a time and in arrival order, as
// required by spec.md §5.
func (s *Supervisor) loop(bootstrapBundleRef string, result chan<- error) {
	s.logger.Info("UnpackingBundle", "bundle", bootstrapBundleRef)

	inc, err := s.materialize(bootstrapBundleRef)
	if err != nil {
		s.logger.Error("bring-up failed", "error", err)
		s.state = Dead
		if s.cfg.RemoveFromList != nil {
			s.cfg.RemoveFromList(s.cfg.AppName)
		}
		result <- err
		return
	}

	s.current = inc
	s.state = Serving
	result <- nil

	for cmd := range s.mailbox {
		switch c := cmd.(type) {
		case reloadCommand:
			s.handleReload(c.bundleRef)
		case terminateCommand:
			s.handleTerminate()
			return
		}
	}
}

// handleReload implements spec.md §4.4's Reload protocol. Every failure
// path is non-fatal: it cleans up the attempted new incarnation and leaves
// s.current (the old incarnation) untouched.
func (s *Supervisor) handleReload(bundleRef string) {
	old := s.current
	s.state = Reloading

	newInc, err := s.materialize(bundleRef)
	if err != nil {
		s.logReloadFailure(err)
		s.state = Serving
		return
	}

	for _, host := range diffRoutes(old.cfg, newInc.cfg) {
		s.cfg.Router.RemoveEntry(host)
	}

	s.scheduleRetirement(old)

	s.current = newInc
	s.state = Serving
	s.logger.Info("FinishedReloading")
}

// logReloadFailure emits the spec's distinct log event for err's kind:
// InvalidBundle for extraction failures, InvalidConfigFile for config
// loading failures, and ProcessDidNotStart when the new child failed to
// spawn or never passed its health probe.
func (s *Supervisor) logReloadFailure(err error) {
	switch {
	case errors.Is(err, bundle.ErrBundleIO), errors.Is(err, bundle.ErrBundleUnsafe):
		s.logger.Warn("InvalidBundle", "error", err)
	case errors.Is(err, config.ErrConfigMissing), errors.Is(err, config.ErrConfigMalformed):
		s.logger.Warn("InvalidConfigFile", "error", err)
	case errors.Is(err, ErrChildSpawnFailed), errors.Is(err, ErrProbeTimeout):
		s.logger.Warn("ProcessDidNotStart", "error", err)
	default:
		s.logger.Warn("InvalidBundle", "error", err)
	}
}

// handleTerminate implements spec.md §4.4's Terminate protocol.
func (s *Supervisor) handleTerminate() {
	s.logger.Info("TerminatingApp")
	s.retractRoutes(s.current)
	s.scheduleRetirement(s.current)
	s.state = Dead
	if s.cfg.RemoveFromList != nil {
		s.cfg.RemoveFromList(s.cfg.AppName)
	}
}

// scheduleRetirement fires a detached background task that kills inc's
// child after the Kill window and deletes inc's directory after a further
// Delete window, per spec.md §4.4 step 5 / Terminate step 2. It holds no
// mailbox reference and is not cancellable.
func (s *Supervisor) scheduleRetirement(inc incarnation) {
	tracker := s.cfg.Tracker
	rt := s.cfg.Router
	logger := s.logger
	windows := s.cfg.RetirementWindows

	go func() {
		time.Sleep(windows.Kill)
		if inc.child != nil {
			logger.Info("TerminatingOldProcess")
			if err := tracker.Terminate(inc.child); err != nil {
				logger.Error("error terminating old process", "error", err)
			}
		}
		if inc.port != nil {
			rt.ReleasePort(*inc.port)
		}

		time.Sleep(windows.Delete)
		logger.Info("RemovingOldFolder", "dir", inc.dir)
		os.RemoveAll(inc.dir)
	}()
}
