package resolver

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrMandatoryMissing wraps every mandatory symbol that could not be resolved.
var ErrMandatoryMissing = errors.New("mandatory symbol missing")

const DefaultNegativeCacheSize = 256

// TrackedSymbol is one intercepted function. Its address is written at most
// once; every reader observes either zero or the final address.
type TrackedSymbol struct {
	Name string

	addr        atomic.Uintptr
	calls       atomic.Uint64
	mandatory   atomic.Bool
	passthrough atomic.Bool
}

// Address returns the real implementation, or zero if unresolved.
func (s *TrackedSymbol) Address() uintptr { return s.addr.Load() }

// Resolved reports whether the real address is known.
func (s *TrackedSymbol) Resolved() bool { return s.addr.Load() != 0 }

// Mandatory reports whether a missing symbol fails initialization.
func (s *TrackedSymbol) Mandatory() bool { return s.mandatory.Load() }

// Passthrough reports that the symbol could not be resolved and calls to it
// are forwarded without tracing.
func (s *TrackedSymbol) Passthrough() bool { return s.passthrough.Load() }

// CountCall increments the call counter and returns the new value.
func (s *TrackedSymbol) CountCall() uint64 { return s.calls.Add(1) }

// Calls returns the number of intercepted calls.
func (s *TrackedSymbol) Calls() uint64 { return s.calls.Load() }

// set publishes addr unless another address already won and returns the
// address every caller must use.
func (s *TrackedSymbol) set(addr uintptr) uintptr {
	if s.addr.CompareAndSwap(0, addr) {
		s.passthrough.Store(false)
		return addr
	}
	return s.addr.Load()
}

// Options configures a Resolver.
type Options struct {
	// Libraries are searched in order.
	Libraries []Library
	// Exclude holds address ranges that must never be returned, normally the
	// interposer's own mappings from SelfRanges.
	Exclude           []AddrRange
	NegativeCacheSize int
	Logger            *zap.Logger
}

// Resolver maps symbol names to the addresses of their real implementations.
type Resolver struct {
	libsMu  sync.RWMutex
	libs    []Library
	exclude []AddrRange
	log     *zap.Logger

	symbols sync.Map // name -> *TrackedSymbol
	group   singleflight.Group
	misses  *lru.Cache[string, error]
}

// New creates a Resolver over opts.Libraries.
func New(opts Options) (*Resolver, error) {
	if opts.NegativeCacheSize <= 0 {
		opts.NegativeCacheSize = DefaultNegativeCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	misses, err := lru.New[string, error](opts.NegativeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating negative cache: %w", err)
	}
	return &Resolver{
		libs:    opts.Libraries,
		exclude: opts.Exclude,
		log:     opts.Logger.Named("resolver"),
		misses:  misses,
	}, nil
}

// Track registers name and returns its entry. Tracking an existing symbol as
// mandatory upgrades it; the reverse never happens.
func (r *Resolver) Track(name string, mandatory bool) *TrackedSymbol {
	v, _ := r.symbols.LoadOrStore(name, &TrackedSymbol{Name: name})
	sym := v.(*TrackedSymbol)
	if mandatory {
		sym.mandatory.Store(true)
	}
	return sym
}

// Symbol returns the entry for name if it is tracked.
func (r *Resolver) Symbol(name string) (*TrackedSymbol, bool) {
	v, ok := r.symbols.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*TrackedSymbol), true
}

// Symbols returns every tracked symbol sorted by name.
func (r *Resolver) Symbols() []*TrackedSymbol {
	var out []*TrackedSymbol
	r.symbols.Range(func(_, v any) bool {
		out = append(out, v.(*TrackedSymbol))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve returns the real address of name. Repeated and concurrent calls
// return the same address; a failed lookup is remembered so the libraries
// are not searched again until the entry is evicted.
func (r *Resolver) Resolve(name string) (uintptr, error) {
	sym := r.Track(name, false)
	if addr := sym.Address(); addr != 0 {
		return addr, nil
	}
	if err, ok := r.misses.Get(name); ok {
		return 0, err
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		if addr := sym.Address(); addr != 0 {
			return addr, nil
		}
		addr, err := r.search(name)
		if err != nil {
			r.misses.Add(name, err)
			if !sym.Mandatory() {
				sym.passthrough.Store(true)
			}
			return uintptr(0), err
		}
		return sym.set(addr), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uintptr), nil
}

// Bind records an address reported by the dynamic loader. Like Resolve it
// writes at most once; the returned address is the one that won.
func (r *Resolver) Bind(name string, addr uintptr) (uintptr, error) {
	if addr == 0 {
		return 0, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if r.excluded(addr) {
		return 0, fmt.Errorf("%s at %#x is inside the interposer: %w", name, addr, ErrNotFound)
	}
	sym := r.Track(name, false)
	won := sym.set(addr)
	r.misses.Remove(name)
	return won, nil
}

// AddLibrary appends lib to the search order and forgets cached misses, since
// the new library may export them.
func (r *Resolver) AddLibrary(lib Library) {
	r.libsMu.Lock()
	r.libs = append(r.libs, lib)
	r.libsMu.Unlock()
	r.misses.Purge()
}

// Libraries returns the search order.
func (r *Resolver) Libraries() []Library {
	r.libsMu.RLock()
	defer r.libsMu.RUnlock()
	return append([]Library(nil), r.libs...)
}

func (r *Resolver) search(name string) (uintptr, error) {
	var errs error
	for _, lib := range r.Libraries() {
		addr, err := lib.Lookup(name)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				errs = multierr.Append(errs, err)
			}
			continue
		}
		if r.excluded(addr) {
			r.log.Debug("skipping self-referential address",
				zap.String("symbol", name), zap.String("library", lib.Path()), zap.Uintptr("addr", addr))
			continue
		}
		return addr, nil
	}
	if errs != nil {
		return 0, fmt.Errorf("%s: %w", name, multierr.Append(ErrNotFound, errs))
	}
	return 0, fmt.Errorf("%s: %w", name, ErrNotFound)
}

func (r *Resolver) excluded(addr uintptr) bool {
	for _, rg := range r.exclude {
		if rg.Contains(addr) {
			return true
		}
	}
	return false
}

// ResolveAll resolves every tracked symbol. Optional misses are logged and
// left as pass-through; mandatory misses are returned wrapped in
// ErrMandatoryMissing.
func (r *Resolver) ResolveAll() error {
	var errs error
	for _, sym := range r.Symbols() {
		if _, err := r.Resolve(sym.Name); err != nil {
			if sym.Mandatory() {
				errs = multierr.Append(errs, fmt.Errorf("%w: %w", ErrMandatoryMissing, err))
				continue
			}
			r.log.Info("optional symbol unavailable, passing through", zap.String("symbol", sym.Name))
		}
	}
	return errs
}

// ResolveMandatory resolves only the mandatory symbols.
func (r *Resolver) ResolveMandatory() error {
	var errs error
	for _, sym := range r.Symbols() {
		if !sym.Mandatory() {
			continue
		}
		if _, err := r.Resolve(sym.Name); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: %w", ErrMandatoryMissing, err))
		}
	}
	return errs
}

// Close closes every library.
func (r *Resolver) Close() error {
	var errs error
	for _, lib := range r.Libraries() {
		errs = multierr.Append(errs, lib.Close())
	}
	return errs
}
