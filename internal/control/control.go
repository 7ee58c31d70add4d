// Package control implements spec §6's control surface: process-wide
// entry points for registering Coordinator prefixes before start,
// resetting counters, and pushing a signal list read from a file.
package control

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/beamsync/bsas/internal/coordinator"
)

// Registry holds every Coordinator prefix known to the process and
// enforces the "no new prefixes after start" rule from bsasTableAdd.
type Registry struct {
	mu       sync.Mutex
	started  bool
	byPrefix map[string]*coordinator.Coordinator
	order    []string
}

// NewRegistry returns an empty, not-yet-started Registry.
func NewRegistry() *Registry {
	return &Registry{byPrefix: make(map[string]*coordinator.Coordinator)}
}

// TableAdd implements bsasTableAdd: pre-start registration of a
// Coordinator under prefix. Rejected once the registry has started.
func (r *Registry) TableAdd(prefix string, c *coordinator.Coordinator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("control: bsasTableAdd(%s): rejected, system already started", prefix)
	}
	if _, exists := r.byPrefix[prefix]; exists {
		return fmt.Errorf("control: bsasTableAdd(%s): prefix already registered", prefix)
	}
	r.byPrefix[prefix] = c
	r.order = append(r.order, prefix)
	return nil
}

// Start marks the registry started (locking out further TableAdd calls)
// and starts every registered Coordinator's background loop, in
// registration order.
func (r *Registry) Start() {
	r.mu.Lock()
	r.started = true
	order := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, prefix := range order {
		r.mu.Lock()
		c := r.byPrefix[prefix]
		r.mu.Unlock()
		c.Start()
	}
}

// Close shuts down every registered Coordinator in registration order.
func (r *Registry) Close() {
	r.mu.Lock()
	order := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, prefix := range order {
		r.mu.Lock()
		c := r.byPrefix[prefix]
		r.mu.Unlock()
		c.Close()
	}
}

// Prefixes returns every registered prefix in registration order (used
// by report level 0).
func (r *Registry) Prefixes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) lookup(prefix string) (*coordinator.Coordinator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byPrefix[prefix]
	if !ok {
		return nil, fmt.Errorf("control: unknown prefix %q", prefix)
	}
	return c, nil
}

// StatReset implements bsasStatReset(prefix|null): zero counters for one
// prefix, or for every registered prefix when prefix is nil.
func (r *Registry) StatReset(prefix *string) error {
	if prefix == nil {
		r.mu.Lock()
		coords := make([]*coordinator.Coordinator, 0, len(r.byPrefix))
		for _, c := range r.byPrefix {
			coords = append(coords, c)
		}
		r.mu.Unlock()
		for _, c := range coords {
			c.ResetCounters()
		}
		return nil
	}
	c, err := r.lookup(*prefix)
	if err != nil {
		return err
	}
	c.ResetCounters()
	return nil
}

// TableSet implements bsasTableSet(control_pv, filename): read filename,
// trim each line, skip blanks and '#' comments, and push the resulting
// list to the named Coordinator's signal list.
func (r *Registry) TableSet(prefix, filename string) error {
	c, err := r.lookup(prefix)
	if err != nil {
		return err
	}
	list, err := readSignalFile(filename)
	if err != nil {
		return fmt.Errorf("control: bsasTableSet(%s, %s): %w", prefix, filename, err)
	}
	return c.SetNames(list)
}

func readSignalFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var list []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		list = append(list, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// Report implements the report-callback levels from spec §6: 0 = the
// prefix list only, 1-3 = per-signal detail from each Coordinator's own
// Report, filtered/escalated per level.
func (r *Registry) Report(level int) []coordinator.ReportLine {
	prefixes := r.Prefixes()
	if level <= 0 {
		return nil
	}
	var lines []coordinator.ReportLine
	for _, prefix := range prefixes {
		c, err := r.lookup(prefix)
		if err != nil {
			continue
		}
		lines = append(lines, c.Report(level)...)
	}
	return lines
}
