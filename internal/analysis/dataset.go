// Package analysis turns a fetched entry set into a LogAnalysisReport.
//
// The counting aggregators, threat heuristics and geo enrichment are pure
// functions over one immutable Dataset and run concurrently; the summary and
// the report assembler consume their joined results.
package analysis

import (
	"time"

	"github.com/oicur0t/loglens/pkg/models"
)

// Dataset is the time-ordered, read-only entry set of one request
type Dataset struct {
	// Entries holds every in-scope entry; EntryRef indexes point into it
	Entries []models.LogEntry
	// Analysed lists the indexes of entries that passed normalization, ascending
	Analysed []int
	// ParseFailures counts in-scope entries excluded from every aggregate
	ParseFailures int
}

// NewDataset normalizes entries in place and splits out parse failures
func NewDataset(entries []models.LogEntry) *Dataset {
	d := &Dataset{
		Entries:  entries,
		Analysed: make([]int, 0, len(entries)),
	}
	for i := range entries {
		if models.Normalize(&entries[i]) != models.ParseOK {
			d.ParseFailures++
			continue
		}
		d.Analysed = append(d.Analysed, i)
	}
	return d
}

// AnalysedEntries returns a copy of the entries that take part in aggregation
func (d *Dataset) AnalysedEntries() []models.LogEntry {
	out := make([]models.LogEntry, len(d.Analysed))
	for i, idx := range d.Analysed {
		out[i] = d.Entries[idx]
	}
	return out
}

// ref builds the evidence reference for entry idx
func (d *Dataset) ref(idx int) models.EntryRef {
	return models.EntryRef{Index: idx, ID: d.Entries[idx].ID}
}

// minute floors t to its UTC minute bucket
func minute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}
