package loader

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Failure is one extension that failed inside a batch operation.
type Failure struct {
	ID  string `json:"id"`
	Err error  `json:"-"`
	Msg string `json:"error"`
}

// Report summarizes a batch operation. Per-id failures are logged and
// reported here instead of aborting the batch.
type Report struct {
	Succeeded []string  `json:"succeeded"`
	Failed    []Failure `json:"failed"`
}

func (r *Report) fail(id string, err error) {
	r.Failed = append(r.Failed, Failure{ID: id, Err: err, Msg: err.Error()})
}

// Err joins every failure, or returns nil.
func (r Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f.Err)
	}
	return fmt.Errorf("%d extensions failed: %w", len(r.Failed), errors.Join(errs...))
}

// LoadAll loads every registered extension in dependency order. A cycle
// anywhere aborts before anything is loaded and returns the
// *extension.CircularDependencyError; other failures are only reported.
func (l *Loader) LoadAll(ctx context.Context) (Report, error) {
	var report Report
	order, err := l.registry.TopologicalOrder()
	if err != nil {
		l.logger.Error("load all aborted", "error", err)
		return report, err
	}

	for _, id := range order {
		if _, err := l.Load(ctx, id); err != nil {
			l.logger.Warn("load failed, continuing", "extension", id, "error", err)
			report.fail(id, err)
			continue
		}
		report.Succeeded = append(report.Succeeded, id)
	}
	l.logger.Info("load all complete", "loaded", len(report.Succeeded), "failed", len(report.Failed))
	return report, nil
}

// ActivateAll activates every loaded extension in load order. One pass
// shares its memo, so a failing dependency is attempted once and its
// dependents fail without retrying it.
func (l *Loader) ActivateAll(ctx context.Context) Report {
	var report Report
	w := newWalk()
	for _, id := range l.LoadOrder() {
		if err := l.activate(ctx, id, w); err != nil {
			l.logger.Warn("activate failed, continuing", "extension", id, "error", err)
			report.fail(id, err)
			continue
		}
		report.Succeeded = append(report.Succeeded, id)
	}
	l.logger.Info("activate all complete", "activated", len(report.Succeeded), "failed", len(report.Failed))
	return report
}

// DeactivateAll deactivates dependents before their dependencies: the
// load order, ranked by the registry's topological order, reversed.
// Extensions that never became active are skipped.
func (l *Loader) DeactivateAll(ctx context.Context) Report {
	var report Report
	order := l.teardownOrder()
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		if !l.IsActive(id) {
			continue
		}
		if err := l.Deactivate(ctx, id); err != nil {
			l.logger.Warn("deactivate failed, continuing", "extension", id, "error", err)
			report.fail(id, err)
			continue
		}
		report.Succeeded = append(report.Succeeded, id)
	}
	l.logger.Info("deactivate all complete", "deactivated", len(report.Succeeded), "failed", len(report.Failed))
	return report
}

// teardownOrder is the load ledger stably sorted by dependency rank. A
// ledger filled by Load before Activate pulled in dependencies can list a
// dependent ahead of what it needs. With a cycle the ledger is used as is.
func (l *Loader) teardownOrder() []string {
	order := l.LoadOrder()
	topo, err := l.registry.TopologicalOrder()
	if err != nil {
		l.logger.Warn("deactivate all falling back to load order", "error", err)
		return order
	}
	rank := make(map[string]int, len(topo))
	for i, id := range topo {
		rank[id] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		ri, ok := rank[order[i]]
		if !ok {
			ri = len(topo)
		}
		rj, ok := rank[order[j]]
		if !ok {
			rj = len(topo)
		}
		return ri < rj
	})
	return order
}
