package supervisor

import (
	"github.com/riverport/keterd/config"
	"github.com/riverport/keterd/proctracker"
)

// incarnation is one (WorkingDir, Config, ChildProcess?, PortLease?) tuple,
// per spec.md §3. At most two exist simultaneously, during a reload
// cut-over.
type incarnation struct {
	dir   string
	cfg   config.Config
	child *proctracker.Handle
	port  *int
}

// routeSet returns the Router keys this incarnation expects published when
// serving: primaryHost ∪ extraHosts ∪ staticHostHosts ∪ redirectFroms.
func (i incarnation) routeSet() map[string]bool {
	return i.cfg.RouteSet()
}

// diffRoutes returns the hosts present in old's route set but absent from
// new's — the keys a reload must explicitly retract so they don't linger
// once they belong to neither incarnation (the Open Question fix recorded
// in DESIGN.md).
func diffRoutes(oldCfg, newCfg config.Config) []string {
	oldSet := oldCfg.RouteSet()
	newSet := newCfg.RouteSet()
	var removed []string
	for host := range oldSet {
		if !newSet[host] {
			removed = append(removed, host)
		}
	}
	return removed
}
