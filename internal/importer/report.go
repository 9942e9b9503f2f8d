package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pwh-registry/internal/catalog"
	"pwh-registry/internal/domain"
)

// Outcome is the bucket a row lands in.
type Outcome int

const (
	Imported Outcome = iota
	Skipped
	Errored
)

func (o Outcome) String() string {
	switch o {
	case Imported:
		return "imported"
	case Skipped:
		return "skipped"
	default:
		return "errored"
	}
}

// MarshalText renders the outcome by name in JSON.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// RowResult is the explicit result of one row.
type RowResult struct {
	Outcome Outcome
	Reason  string
	// Denied marks skips caused by the caller's branch scope.
	Denied bool
	// Halt stops the run after this row (connectivity loss, cancellation).
	Halt bool
	Err  error
}

func imported() RowResult { return RowResult{Outcome: Imported} }

func skipped(reason string) RowResult { return RowResult{Outcome: Skipped, Reason: reason} }

// classify maps a row failure onto its bucket.
func classify(err error) RowResult {
	var (
		scopeErr *domain.AccessScopeError
		resErr   *domain.ResolutionError
		valErr   *domain.ValidationError
	)
	switch {
	case errors.As(err, &scopeErr):
		return RowResult{Outcome: Skipped, Reason: err.Error(), Denied: true, Err: err}
	case errors.As(err, &resErr):
		return RowResult{Outcome: Skipped, Reason: err.Error(), Err: err}
	case errors.As(err, &valErr):
		return RowResult{Outcome: Errored, Reason: err.Error(), Err: err}
	case domain.IsConnectivity(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return RowResult{Outcome: Errored, Reason: err.Error(), Halt: true, Err: err}
	default:
		return RowResult{Outcome: Errored, Reason: err.Error(), Err: err}
	}
}

// Tally counts one entity's rows. Denied rows are also counted in Skipped.
type Tally struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Errored  int `json:"errored"`
	Denied   int `json:"denied"`
}

// Seen is the number of non-blank rows accounted for.
func (t Tally) Seen() int { return t.Imported + t.Skipped + t.Errored }

func (t *Tally) add(r RowResult) {
	switch r.Outcome {
	case Imported:
		t.Imported++
	case Skipped:
		t.Skipped++
		if r.Denied {
			t.Denied++
		}
	default:
		t.Errored++
	}
}

// Issue is one row that was not imported.
type Issue struct {
	Entity  catalog.Entity `json:"entity"`
	Sheet   string         `json:"sheet"`
	Row     int            `json:"row"`
	Outcome Outcome        `json:"outcome"`
	Denied  bool           `json:"denied,omitempty"`
	Reason  string         `json:"reason"`
}

// Report is the outcome of a run.
type Report struct {
	RunID   string                    `json:"run_id"`
	TxMode  string                    `json:"tx_mode"`
	Tallies map[catalog.Entity]*Tally `json:"tallies"`
	Issues  []Issue                   `json:"issues"`
	Ignored []string                  `json:"ignored_sheets,omitempty"`
	// Halted holds the error that stopped the run early.
	Halted string `json:"halted,omitempty"`
	// RolledBack is set when a whole-run transaction was abandoned, so no
	// row of this run was kept despite the counters.
	RolledBack bool `json:"rolled_back,omitempty"`
}

func newReport(runID, mode string) *Report {
	r := &Report{RunID: runID, TxMode: mode, Tallies: make(map[catalog.Entity]*Tally, len(catalog.SheetOrder))}
	for _, e := range catalog.SheetOrder {
		r.Tallies[e] = &Tally{}
	}
	return r
}

// Tally returns the counters of one entity.
func (r *Report) Tally(e catalog.Entity) Tally {
	if t := r.Tallies[e]; t != nil {
		return *t
	}
	return Tally{}
}

func (r *Report) record(e catalog.Entity, sheet string, row int, res RowResult) {
	r.Tallies[e].add(res)
	if res.Outcome == Imported {
		return
	}
	r.Issues = append(r.Issues, Issue{
		Entity:  e,
		Sheet:   sheet,
		Row:     row,
		Outcome: res.Outcome,
		Denied:  res.Denied,
		Reason:  res.Reason,
	})
}

// Total sums the counters of every entity.
func (r *Report) Total() Tally {
	var total Tally
	for _, t := range r.Tallies {
		total.Imported += t.Imported
		total.Skipped += t.Skipped
		total.Errored += t.Errored
		total.Denied += t.Denied
	}
	return total
}

// Failed reports whether any row was skipped or errored, or the run stopped early.
func (r *Report) Failed() bool {
	t := r.Total()
	return t.Skipped > 0 || t.Errored > 0 || r.Halted != "" || r.RolledBack
}

// Summary is the human-readable tally shown at the end of every run.
func (r *Report) Summary() string {
	var b strings.Builder
	switch {
	case r.RolledBack:
		b.WriteString("Import rolled back, no rows were kept.\n")
	case r.Halted != "":
		b.WriteString("Import stopped early: " + r.Halted + "\n")
	case r.Failed():
		b.WriteString("Import finished with problems.\n")
	default:
		b.WriteString("Import finished.\n")
	}
	for _, e := range catalog.SheetOrder {
		t := r.Tally(e)
		if t.Seen() == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s: %d imported, %d skipped, %d errored", catalog.Lookup(e).Title, t.Imported, t.Skipped, t.Errored)
		if t.Denied > 0 {
			fmt.Fprintf(&b, " (%d outside your branch)", t.Denied)
		}
		b.WriteString("\n")
	}
	if len(r.Ignored) > 0 {
		b.WriteString("Ignored sheets: " + strings.Join(r.Ignored, ", ") + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
