// Package report renders end-of-run statistics: per-module coherence
// counters and per-context state, grounded on the teacher's
// core/util.go's PrintState, which builds the same kind of table with
// github.com/jedib0t/go-pretty/v6/table rather than hand-formatted
// fmt.Printf columns.
package report

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/sarchlab/coresim/coherence"
)

// ContextRow is the subset of a process.Context's state this package
// renders. It is a plain struct (rather than an interface over
// *process.Context) so report stays independent of process's internal
// layout and of any import cycle between the two packages.
type ContextRow struct {
	Pid     uint32
	State   string
	LastPC  uint32
	CurPC   uint32
	Exited  bool
	ExitVal int32
}

// ModuleStats renders one row per cache/main-memory module's spec §3
// statistics counters (hits, misses, evictions, writebacks, retries).
func ModuleStats(w io.Writer, modules []*coherence.Module) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Memory Hierarchy Statistics")
	t.AppendHeader(table.Row{"Module", "Hits", "Misses", "Evictions", "Writebacks", "Retries"})
	for _, m := range modules {
		t.AppendRow(table.Row{
			m.Name, m.Stats.Hits, m.Stats.Misses, m.Stats.Evictions,
			m.Stats.Writebacks, m.Stats.Retries,
		})
	}
	t.AppendFooter(table.Row{"Total", sumHits(modules), sumMisses(modules), sumEvictions(modules), sumWritebacks(modules), sumRetries(modules)})
	t.Render()
}

// Contexts renders one row per guest context's scheduling state and
// instruction-address trail (spec §3's Context attributes).
func Contexts(w io.Writer, rows []ContextRow) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Context Table")
	t.AppendHeader(table.Row{"Pid", "State", "LastPC", "CurPC", "Exited", "ExitCode"})
	for _, r := range rows {
		exited := "no"
		if r.Exited {
			exited = fmt.Sprintf("yes(%d)", r.ExitVal)
		}
		t.AppendRow(table.Row{r.Pid, r.State, fmt.Sprintf("%#08x", r.LastPC), fmt.Sprintf("%#08x", r.CurPC), exited, ""})
	}
	t.Render()
}

func sumHits(modules []*coherence.Module) int {
	n := 0
	for _, m := range modules {
		n += m.Stats.Hits
	}
	return n
}

func sumMisses(modules []*coherence.Module) int {
	n := 0
	for _, m := range modules {
		n += m.Stats.Misses
	}
	return n
}

func sumEvictions(modules []*coherence.Module) int {
	n := 0
	for _, m := range modules {
		n += m.Stats.Evictions
	}
	return n
}

func sumWritebacks(modules []*coherence.Module) int {
	n := 0
	for _, m := range modules {
		n += m.Stats.Writebacks
	}
	return n
}

func sumRetries(modules []*coherence.Module) int {
	n := 0
	for _, m := range modules {
		n += m.Stats.Retries
	}
	return n
}
