package orchestrator

import (
	"context"
	"errors"

	"github.com/breeze-rmm/winpatch/internal/history"
	"github.com/breeze-rmm/winpatch/internal/patching"
)

// ScanResult lists the candidates found for one source.
type ScanResult struct {
	Source     patching.Source `json:"source"`
	Scanned    int             `json:"scanned"`
	Candidates []Candidate     `json:"candidates"`
	Err        error           `json:"-"`
	Error      string          `json:"error,omitempty"`
}

// Scan lists upgrades without installing anything and records one Scan
// history entry per candidate.
func (o *Orchestrator) Scan(ctx context.Context, ids []patching.Source, differential bool) ([]ScanResult, error) {
	srcs, err := o.sources(ids)
	if err != nil {
		return nil, err
	}
	pcfg := o.Priority.Config()

	var errs []error
	results := make([]ScanResult, 0, len(srcs))
	for _, src := range srcs {
		scanned, cands, err := o.Candidates(ctx, src, pcfg, differential)
		res := ScanResult{Source: src.ID(), Scanned: scanned, Candidates: cands, Err: err}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
		if err != nil {
			errs = append(errs, err)
			o.Health.RecordRun(string(src.ID()), 0, 0, err)
			continue
		}
		for _, c := range cands {
			o.record(history.Entry{
				PackageName:     c.Upgrade.Key(),
				Version:         c.Upgrade.AvailableVersion,
				PreviousVersion: c.Upgrade.Version,
				Source:          src.ID(),
				Operation:       history.OpScan,
				Success:         true,
			})
		}
	}
	return results, errors.Join(errs...)
}
