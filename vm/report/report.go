// Package report defines the compile report astc2native can emit next to
// a native module: what was compiled, for which architecture, with which
// optimization unit, and what it cost. Reports are CBOR-encoded so other
// tooling can consume them without parsing log output.
package report

import (
	"time"

	"github.com/anvilvm/astc2native/vm"
)

// Export mirrors one export-table entry of the compiled module.
type Export struct {
	Name   string `cbor:"1,keyasint"`
	Offset uint32 `cbor:"2,keyasint"`
	Size   uint32 `cbor:"3,keyasint"`
	Flags  uint32 `cbor:"4,keyasint,omitempty"`
}

// Quality mirrors the optimizer's quality report.
type Quality struct {
	SizeReductionPct       float64 `cbor:"1,keyasint"`
	PerfImprovementPct     float64 `cbor:"2,keyasint"`
	InstructionsEliminated int     `cbor:"3,keyasint"`
	OptCount               int     `cbor:"4,keyasint"`
}

// CompileReport describes one backend compilation.
type CompileReport struct {
	ModuleHash   string   `cbor:"1,keyasint"`
	Architecture string   `cbor:"2,keyasint"`
	Level        string   `cbor:"3,keyasint"`
	Strategy     string   `cbor:"4,keyasint"`
	SourceBytes  int      `cbor:"5,keyasint"`
	NativeBytes  int      `cbor:"6,keyasint"`
	Exports      []Export `cbor:"7,keyasint,omitempty"`
	Relocations  int      `cbor:"8,keyasint"`
	Quality      Quality  `cbor:"9,keyasint"`
	CompileNanos int64    `cbor:"10,keyasint"`
	CreatedUnix  int64    `cbor:"11,keyasint"`
}

// StatsSnapshot carries backend counters for operational dumps.
type StatsSnapshot struct {
	Compiles      uint64            `cbor:"1,keyasint"`
	Failures      uint64            `cbor:"2,keyasint"`
	CacheHits     uint64            `cbor:"3,keyasint"`
	SharedFlights uint64            `cbor:"4,keyasint"`
	BytesEmitted  uint64            `cbor:"5,keyasint"`
	CompileNanos  int64             `cbor:"6,keyasint"`
	PerArch       map[string]uint64 `cbor:"7,keyasint,omitempty"`
}

// HotSite mirrors one tracker entry.
type HotSite struct {
	Address   uint32 `cbor:"1,keyasint"`
	Hits      uint64 `cbor:"2,keyasint"`
	TimeNanos int64  `cbor:"3,keyasint"`
	Score     uint64 `cbor:"4,keyasint"`
	Hot       bool   `cbor:"5,keyasint,omitempty"`
}

// New builds a report from a compiled module.
func New(cm *vm.CompiledModule) *CompileReport {
	exports := make([]Export, 0, len(cm.Exports))
	for _, e := range cm.Exports {
		exports = append(exports, Export{
			Name:   e.Name,
			Offset: e.Offset,
			Size:   e.Size,
			Flags:  e.Flags,
		})
	}
	return &CompileReport{
		ModuleHash:   cm.Hash,
		Architecture: cm.Arch.String(),
		Level:        cm.Unit.Level.String(),
		Strategy:     cm.Unit.Strategy.String(),
		SourceBytes:  cm.SourceSize,
		NativeBytes:  len(cm.Native),
		Exports:      exports,
		Relocations:  len(cm.Pending),
		Quality: Quality{
			SizeReductionPct:       cm.Quality.SizeReductionPct,
			PerfImprovementPct:     cm.Quality.PerfImprovementPct,
			InstructionsEliminated: cm.Quality.InstructionsEliminated,
			OptCount:               cm.Quality.OptCount,
		},
		CompileNanos: int64(cm.CompileTime),
		CreatedUnix:  time.Now().Unix(),
	}
}

// Snapshot converts backend statistics into their wire form.
func Snapshot(s vm.BackendStats) *StatsSnapshot {
	perArch := make(map[string]uint64, len(s.PerArch))
	for a, n := range s.PerArch {
		perArch[a.String()] = n
	}
	return &StatsSnapshot{
		Compiles:      s.Compiles,
		Failures:      s.Failures,
		CacheHits:     s.CacheHits,
		SharedFlights: s.SharedFlights,
		BytesEmitted:  s.BytesEmitted,
		CompileNanos:  int64(s.CompileTime),
		PerArch:       perArch,
	}
}

// HotSites converts a tracker snapshot into its wire form, preserving the
// snapshot's address order.
func HotSites(entries []vm.HotSpotEntry) []HotSite {
	sites := make([]HotSite, 0, len(entries))
	for _, e := range entries {
		sites = append(sites, HotSite{
			Address:   e.Address,
			Hits:      e.HitCount,
			TimeNanos: int64(e.ExecutionTime),
			Score:     e.HotnessScore,
			Hot:       e.IsHot,
		})
	}
	return sites
}
