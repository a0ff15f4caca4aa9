// Package refine curates a person's encoding set by removing statistical
// outliers and repairing shape inconsistencies.
package refine

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kozaktomas/faceid/internal/backend"
	"github.com/kozaktomas/faceid/internal/config"
	"github.com/kozaktomas/faceid/internal/store"
)

// Mode selects the outlier detection strategy.
type Mode string

const (
	ModeStd         Mode = "std"
	ModeCluster     Mode = "cluster"
	ModeMahalanobis Mode = "mahalanobis"
	ModeShape       Mode = "shape"
)

// Options parametrize a refinement run. Zero values are filled from the
// embedded defaults by the engine.
type Options struct {
	Mode                 Mode
	Persons              []string // empty means all persons
	StdThreshold         float64
	ClusterDistance      float64
	ClusterMinSize       int
	MahalanobisThreshold float64
	MinEncodings         int
	DryRun               bool
}

func (o *Options) fillDefaults(d config.RefinementDefaults) {
	if o.Mode == "" {
		o.Mode = ModeStd
	}
	if o.StdThreshold == 0 {
		o.StdThreshold = d.StdThreshold
	}
	if o.ClusterDistance == 0 {
		o.ClusterDistance = d.ClusterDistance
	}
	if o.ClusterMinSize == 0 {
		o.ClusterMinSize = d.ClusterMinSize
	}
	if o.MahalanobisThreshold == 0 {
		o.MahalanobisThreshold = d.MahalanobisThreshold
	}
	if o.MinEncodings == 0 {
		o.MinEncodings = d.MinEncodings
	}
}

func (o *Options) validate() error {
	switch o.Mode {
	case ModeStd, ModeCluster, ModeMahalanobis, ModeShape:
	default:
		return fmt.Errorf("unknown refinement mode %q", o.Mode)
	}
	if o.StdThreshold <= 0 {
		return fmt.Errorf("std threshold must be positive, got %f", o.StdThreshold)
	}
	if o.ClusterDistance <= 0 {
		return fmt.Errorf("cluster distance must be positive, got %f", o.ClusterDistance)
	}
	if o.ClusterMinSize < 1 {
		return fmt.Errorf("cluster min size must be at least 1, got %d", o.ClusterMinSize)
	}
	if o.MahalanobisThreshold <= 0 {
		return fmt.Errorf("mahalanobis threshold must be positive, got %f", o.MahalanobisThreshold)
	}
	if o.MinEncodings < 1 {
		return fmt.Errorf("min encodings must be at least 1, got %d", o.MinEncodings)
	}
	return nil
}

// Engine runs refinement passes over the database.
type Engine struct {
	svc      *store.Service
	backend  backend.Backend
	defaults config.RefinementDefaults
	log      zerolog.Logger
}

// NewEngine creates a refinement engine bound to a store service and a
// detection backend. Only encodings from that backend are ever touched.
func NewEngine(svc *store.Service, b backend.Backend, defaults config.RefinementDefaults, log zerolog.Logger) *Engine {
	return &Engine{svc: svc, backend: b, defaults: defaults, log: log}
}

// PersonPreview describes what refinement would do to one person.
type PersonPreview struct {
	Person        string `json:"person"`
	Total         int    `json:"total"`
	Keep          int    `json:"keep"`
	Remove        int    `json:"remove"`
	RemoveIndices []int  `json:"remove_indices"`
	Reason        string `json:"reason"`
	Stats         *Stats `json:"stats,omitempty"`
}

// PreviewReport is the outcome of a dry refinement pass.
type PreviewReport struct {
	Preview        []PersonPreview `json:"preview"`
	TotalPeople    int             `json:"total_people"`
	AffectedPeople int             `json:"affected_people"`
	TotalRemove    int             `json:"total_remove"`
}

// ApplyReport is the outcome of an applied refinement pass.
type ApplyReport struct {
	DryRun   bool           `json:"dry_run"`
	Removed  int            `json:"removed"`
	ByPerson map[string]int `json:"by_person"`
}

// indexed pairs an encoding with its position in the person's entry list,
// so removal can address the original slice after filtering.
type indexed struct {
	index     int
	embedding []float32
}

func (e *Engine) backendEncodings(entries []store.EncodingEntry) []indexed {
	var out []indexed
	for i, entry := range entries {
		if entry.HasEmbedding() && entry.Backend == e.backend.Name() {
			out = append(out, indexed{index: i, embedding: entry.Embedding})
		}
	}
	return out
}

// fullDim filters to encodings with the backend's expected dimension. The
// distance modes need a rectangular matrix; mixed dimensions are the shape
// mode's problem.
func fullDim(encs []indexed, dim int) []indexed {
	var out []indexed
	for _, ie := range encs {
		if len(ie.embedding) == dim {
			out = append(out, ie)
		}
	}
	return out
}

func (e *Engine) selectPersons(db *store.Database, persons []string) map[string][]store.EncodingEntry {
	if len(persons) == 0 {
		return db.Known
	}
	selected := make(map[string][]store.EncodingEntry, len(persons))
	for _, name := range persons {
		if key := db.FindPerson(name); key != "" {
			selected[key] = db.Known[key]
		}
	}
	return selected
}

// runMode applies the selected filter and returns the keep mask, distances
// and the removal reason tag.
func (e *Engine) runMode(opts Options, encs []indexed) ([]bool, []float64, string) {
	embeddings := make([][]float32, len(encs))
	for i, ie := range encs {
		embeddings[i] = ie.embedding
	}

	switch opts.Mode {
	case ModeCluster:
		mask, dists := clusterFilter(embeddings, opts.ClusterDistance, opts.ClusterMinSize, e.backend)
		return mask, dists, "cluster_outlier"
	case ModeMahalanobis:
		fallback := StdFallback{StdThreshold: e.defaults.StdThreshold}
		mask, dists := mahalanobisFilter(embeddings, opts.MahalanobisThreshold, fallback, e.backend, e.log)
		return mask, dists, "mahalanobis_outlier"
	default:
		mask, dists := stdFilter(embeddings, opts.StdThreshold, e.backend)
		return mask, dists, "std_outlier"
	}
}

// shapeMask keeps encodings whose dimension matches the person's majority
// dimension.
func shapeMask(encs []indexed) ([]bool, int) {
	counts := make(map[int]int)
	for _, ie := range encs {
		counts[len(ie.embedding)]++
	}
	common, best := 0, 0
	for dim, c := range counts {
		if c > best || (c == best && dim > common) {
			common, best = dim, c
		}
	}

	mask := make([]bool, len(encs))
	for i, ie := range encs {
		mask[i] = len(ie.embedding) == common
	}
	return mask, common
}

// Preview reports what a refinement pass would remove without changing
// anything.
func (e *Engine) Preview(opts Options) (*PreviewReport, error) {
	opts.fillDefaults(e.defaults)
	if err := opts.validate(); err != nil {
		return nil, err
	}

	db, err := e.svc.Database()
	if err != nil {
		return nil, err
	}

	people := e.selectPersons(db, opts.Persons)
	report := &PreviewReport{TotalPeople: len(people)}

	for name, entries := range people {
		encs := e.backendEncodings(entries)
		if opts.Mode != ModeShape {
			encs = fullDim(encs, e.backend.EncodingDim())
		}
		if len(encs) < opts.MinEncodings {
			continue
		}

		var (
			mask   []bool
			dists  []float64
			reason string
		)
		if opts.Mode == ModeShape {
			mask, _ = shapeMask(encs)
			reason = "shape_mismatch"
		} else {
			mask, dists, reason = e.runMode(opts, encs)
		}

		var removeIndices []int
		for i, keep := range mask {
			if !keep {
				removeIndices = append(removeIndices, encs[i].index)
			}
		}
		if len(removeIndices) == 0 {
			continue
		}

		p := PersonPreview{
			Person:        name,
			Total:         len(encs),
			Keep:          len(encs) - len(removeIndices),
			Remove:        len(removeIndices),
			RemoveIndices: removeIndices,
			Reason:        reason,
		}
		if len(dists) > 0 {
			stats := ComputeStats(dists)
			p.Stats = &stats
		}
		report.Preview = append(report.Preview, p)
		report.AffectedPeople++
		report.TotalRemove += len(removeIndices)
	}
	return report, nil
}

// Apply removes outlier encodings. The database is re-read from disk right
// before mutation so a concurrent writer's changes are never overwritten
// with stale state. With DryRun set, nothing is saved.
func (e *Engine) Apply(opts Options) (*ApplyReport, error) {
	opts.fillDefaults(e.defaults)
	if err := opts.validate(); err != nil {
		return nil, err
	}

	db, err := e.svc.Reload()
	if err != nil {
		return nil, err
	}

	people := e.selectPersons(db, opts.Persons)
	report := &ApplyReport{DryRun: opts.DryRun, ByPerson: make(map[string]int)}

	for name, entries := range people {
		encs := e.backendEncodings(entries)
		if opts.Mode != ModeShape {
			encs = fullDim(encs, e.backend.EncodingDim())
		}
		if len(encs) < opts.MinEncodings {
			continue
		}

		var mask []bool
		if opts.Mode == ModeShape {
			mask, _ = shapeMask(encs)
		} else {
			mask, _, _ = e.runMode(opts, encs)
		}

		remove := make(map[int]bool)
		for i, keep := range mask {
			if !keep {
				remove[encs[i].index] = true
			}
		}
		if len(remove) == 0 {
			continue
		}

		report.ByPerson[name] = len(remove)
		report.Removed += len(remove)

		if !opts.DryRun {
			kept := make([]store.EncodingEntry, 0, len(entries)-len(remove))
			for i, entry := range entries {
				if !remove[i] {
					kept = append(kept, entry)
				}
			}
			db.Known[name] = kept
		}
	}

	if !opts.DryRun && report.Removed > 0 {
		if err := e.svc.Save(db); err != nil {
			return nil, err
		}
		e.log.Info().Int("removed", report.Removed).Str("mode", string(opts.Mode)).Msg("applied refinement")
	}
	return report, nil
}

// ShapeRepair describes one person's shape cleanup.
type ShapeRepair struct {
	Person      string `json:"person"`
	Removed     int    `json:"removed"`
	Total       int    `json:"total"`
	KeptDim     int    `json:"kept_dim"`
	RemovedDims []int  `json:"removed_dims"`
}

// ShapeReport is the outcome of a shape repair pass.
type ShapeReport struct {
	DryRun       bool          `json:"dry_run"`
	TotalRemoved int           `json:"total_removed"`
	Repaired     []ShapeRepair `json:"repaired"`
}

// RepairShapes removes encodings whose dimension differs from the person's
// majority dimension. Unlike Apply, this runs even for persons with few
// encodings: a wrong-dimension entry is unusable regardless of set size.
func (e *Engine) RepairShapes(persons []string, dryRun bool) (*ShapeReport, error) {
	db, err := e.svc.Reload()
	if err != nil {
		return nil, err
	}

	people := e.selectPersons(db, persons)
	report := &ShapeReport{DryRun: dryRun}

	for name, entries := range people {
		encs := e.backendEncodings(entries)
		if len(encs) == 0 {
			continue
		}

		mask, keptDim := shapeMask(encs)

		remove := make(map[int]bool)
		removedDims := make(map[int]bool)
		for i, keep := range mask {
			if !keep {
				remove[encs[i].index] = true
				removedDims[len(encs[i].embedding)] = true
			}
		}
		if len(remove) == 0 {
			continue
		}

		repair := ShapeRepair{
			Person:  name,
			Removed: len(remove),
			Total:   len(entries),
			KeptDim: keptDim,
		}
		for dim := range removedDims {
			repair.RemovedDims = append(repair.RemovedDims, dim)
		}
		report.Repaired = append(report.Repaired, repair)
		report.TotalRemoved += len(remove)

		if !dryRun {
			kept := make([]store.EncodingEntry, 0, len(entries)-len(remove))
			for i, entry := range entries {
				if !remove[i] {
					kept = append(kept, entry)
				}
			}
			db.Known[name] = kept
		}
	}

	if !dryRun && report.TotalRemoved > 0 {
		if err := e.svc.Save(db); err != nil {
			return nil, err
		}
		e.log.Info().Int("removed", report.TotalRemoved).Msg("repaired encoding shapes")
	}
	return report, nil
}

// RemoveBackend drops every encoding produced by the named backend, across
// all persons. Used to purge deprecated backends from the database.
func (e *Engine) RemoveBackend(backendName string, dryRun bool) (*ApplyReport, error) {
	db, err := e.svc.Reload()
	if err != nil {
		return nil, err
	}

	report := &ApplyReport{DryRun: dryRun, ByPerson: make(map[string]int)}

	for name, entries := range db.Known {
		kept := make([]store.EncodingEntry, 0, len(entries))
		removed := 0
		for _, entry := range entries {
			if entry.Backend == backendName {
				removed++
				continue
			}
			kept = append(kept, entry)
		}
		if removed == 0 {
			continue
		}
		report.ByPerson[name] = removed
		report.Removed += removed
		if !dryRun {
			db.Known[name] = kept
		}
	}

	if !dryRun && report.Removed > 0 {
		if err := e.svc.Save(db); err != nil {
			return nil, err
		}
		e.log.Info().Int("removed", report.Removed).Str("backend", backendName).Msg("removed backend encodings")
	}
	return report, nil
}
