package vm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/singleflight"

	"github.com/anvilvm/astc2native/pkg/astc"
)

var backendLog = commonlog.GetLogger("astc2native.backend")

// ---------------------------------------------------------------------------
// Compile states
// ---------------------------------------------------------------------------

// CompileState tracks one compilation unit through the backend pipeline.
type CompileState uint32

const (
	CompileUnloaded CompileState = iota
	CompileDecoding
	CompileValidated
	CompileCompiling
	CompileCompiled
	CompileFailed
)

func (s CompileState) String() string {
	switch s {
	case CompileUnloaded:
		return "unloaded"
	case CompileDecoding:
		return "decoding"
	case CompileValidated:
		return "validated"
	case CompileCompiling:
		return "compiling"
	case CompileCompiled:
		return "compiled"
	case CompileFailed:
		return "compile-error"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// ---------------------------------------------------------------------------
// Compiled modules
// ---------------------------------------------------------------------------

// ExportSymbol is one entry of a compiled module's export table.
type ExportSymbol struct {
	Name   string
	Offset uint32
	Size   uint32
	Flags  uint32
}

// CompiledModule is the immutable result of one backend compilation:
// native code, its export table, the module-call slots the loader must
// patch, and per-compile metrics. Instances are shared via the backend
// cache and must be treated as read-only.
type CompiledModule struct {
	Arch        Arch
	Hash        string
	Unit        OptimizationUnit
	Native      []byte
	Exports     []ExportSymbol
	Pending     []Relocation
	Quality     QualityReport
	SourceSize  int
	CompileTime time.Duration
}

// ModuleHash is the cache identity of a source container.
func ModuleHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ---------------------------------------------------------------------------
// Backend
// ---------------------------------------------------------------------------

// Backend drives the full pipeline (decode, validate, optimize, generate,
// fix up) for any registered architecture. Concurrent requests for the
// same (module, arch) pair collapse into a single compilation, and
// published modules are cached until Recompile replaces them.
type Backend struct {
	registry *Registry
	unit     OptimizationUnit

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]*CompiledModule

	compiles      uint64
	failures      uint64
	cacheHits     uint64
	sharedFlights uint64
	bytesEmitted  uint64
	compileNanos  uint64
	perArch       map[Arch]*uint64
}

// NewBackend returns a backend over the given registry. The registry
// must be fully populated; registration after construction is not
// supported.
func NewBackend(reg *Registry, unit OptimizationUnit) *Backend {
	perArch := make(map[Arch]*uint64)
	for _, a := range reg.Arches() {
		n := uint64(0)
		perArch[a] = &n
	}
	return &Backend{
		registry: reg,
		unit:     unit,
		cache:    make(map[string]*CompiledModule),
		perArch:  perArch,
	}
}

// Registry exposes the architecture registry the backend compiles with.
func (b *Backend) Registry() *Registry { return b.registry }

// Unit returns the backend's default optimization configuration.
func (b *Backend) Unit() OptimizationUnit { return b.unit }

func cacheKey(hash string, target Arch) string {
	return hash + "/" + target.String()
}

// CompileASTC compiles a raw ASTC container for the target architecture.
// A cached module is returned as is; otherwise callers racing on the
// same (module, arch) share one compilation.
func (b *Backend) CompileASTC(data []byte, target Arch) (*CompiledModule, error) {
	return b.compileCached(data, target, b.unit)
}

// Recompile drops any cached module for (data, target) and compiles
// again with the given unit. This is the only cache invalidation.
func (b *Backend) Recompile(data []byte, target Arch, unit OptimizationUnit) (*CompiledModule, error) {
	key := cacheKey(ModuleHash(data), target)
	b.mu.Lock()
	delete(b.cache, key)
	b.mu.Unlock()
	b.group.Forget(key)
	return b.compileCached(data, target, unit)
}

func (b *Backend) compileCached(data []byte, target Arch, unit OptimizationUnit) (*CompiledModule, error) {
	cg, ok := b.registry.Lookup(target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, target)
	}

	hash := ModuleHash(data)
	key := cacheKey(hash, target)

	b.mu.RLock()
	cached := b.cache[key]
	b.mu.RUnlock()
	if cached != nil {
		atomic.AddUint64(&b.cacheHits, 1)
		backendLog.Debugf("%s/%s: cache hit", hash[:12], target)
		return cached, nil
	}

	v, err, shared := b.group.Do(key, func() (any, error) {
		cm, err := b.compile(cg, data, target, hash, unit)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.cache[key] = cm
		b.mu.Unlock()
		return cm, nil
	})
	if shared {
		atomic.AddUint64(&b.sharedFlights, 1)
	}
	if err != nil {
		return nil, err
	}
	return v.(*CompiledModule), nil
}

func (b *Backend) transition(hash string, target Arch, from, to CompileState) CompileState {
	backendLog.Debugf("%s/%s: %s -> %s", hash[:12], target, from, to)
	return to
}

func (b *Backend) compile(cg Codegen, data []byte, target Arch, hash string, unit OptimizationUnit) (*CompiledModule, error) {
	start := time.Now()
	st := CompileUnloaded

	fail := func(err error) (*CompiledModule, error) {
		b.transition(hash, target, st, CompileFailed)
		atomic.AddUint64(&b.failures, 1)
		backendLog.Errorf("%s/%s: %s", hash[:12], target, err.Error())
		return nil, err
	}

	st = b.transition(hash, target, st, CompileDecoding)
	m, err := astc.Decode(data)
	if err != nil {
		return fail(fmt.Errorf("decode: %w", err))
	}
	if err := m.Validate(); err != nil {
		return fail(fmt.Errorf("validate: %w", err))
	}
	st = b.transition(hash, target, st, CompileValidated)

	opt, quality, err := Optimize(unit, m)
	if err != nil {
		return fail(fmt.Errorf("optimize: %w", err))
	}

	st = b.transition(hash, target, st, CompileCompiling)
	native, pending, err := GenerateCode(cg, unit, opt.Code, opt.EntryPoint)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrCompileFailed, err))
	}

	cm := &CompiledModule{
		Arch: target,
		Hash: hash,
		Unit: unit,
		Native: native,
		Exports: []ExportSymbol{
			{Name: "main", Offset: 0, Size: uint32(len(native))},
		},
		Pending:     pending,
		Quality:     quality,
		SourceSize:  len(data),
		CompileTime: time.Since(start),
	}
	b.transition(hash, target, st, CompileCompiled)

	atomic.AddUint64(&b.compiles, 1)
	atomic.AddUint64(&b.bytesEmitted, uint64(len(native)))
	atomic.AddUint64(&b.compileNanos, uint64(cm.CompileTime))
	if n := b.perArch[target]; n != nil {
		atomic.AddUint64(n, 1)
	}
	backendLog.Infof("%s/%s: %d bytecode bytes -> %d native bytes in %s",
		hash[:12], target, len(data), len(native), cm.CompileTime)
	return cm, nil
}

// Cached returns the published module for (data, target), or nil.
func (b *Backend) Cached(data []byte, target Arch) *CompiledModule {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cache[cacheKey(ModuleHash(data), target)]
}

// WatchHot arranges for the module to be recompiled one level higher the
// first time any of its sites turns hot. The recompile runs off the
// execution goroutine; the refreshed module is picked up through the
// cache.
func (b *Backend) WatchHot(t *Tracker, data []byte, target Arch) {
	t.OnHot = func(e HotSpotEntry) {
		unit := b.unit
		if unit.Level < OptExtreme {
			unit.Level++
		}
		backendLog.Infof("hot site 0x%04X, recompiling for %s at %s", e.Address, target, unit)
		go func() {
			if _, err := b.Recompile(data, target, unit); err != nil {
				backendLog.Errorf("hot recompile: %s", err.Error())
			}
		}()
	}
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// BackendStats is a point-in-time snapshot of backend counters.
type BackendStats struct {
	Compiles      uint64
	Failures      uint64
	CacheHits     uint64
	SharedFlights uint64
	BytesEmitted  uint64
	CompileTime   time.Duration
	CachedModules int
	PerArch       map[Arch]uint64
}

// Stats returns backend statistics.
func (b *Backend) Stats() BackendStats {
	b.mu.RLock()
	cached := len(b.cache)
	b.mu.RUnlock()

	perArch := make(map[Arch]uint64, len(b.perArch))
	for a, n := range b.perArch {
		perArch[a] = atomic.LoadUint64(n)
	}
	return BackendStats{
		Compiles:      atomic.LoadUint64(&b.compiles),
		Failures:      atomic.LoadUint64(&b.failures),
		CacheHits:     atomic.LoadUint64(&b.cacheHits),
		SharedFlights: atomic.LoadUint64(&b.sharedFlights),
		BytesEmitted:  atomic.LoadUint64(&b.bytesEmitted),
		CompileTime:   time.Duration(atomic.LoadUint64(&b.compileNanos)),
		CachedModules: cached,
		PerArch:       perArch,
	}
}
