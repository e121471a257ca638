// Package interposer holds the process-wide interposer state and the logic
// behind the loader audit callbacks.
package interposer

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/willibrandon/KernelFlow/pkg/abi"
	"github.com/willibrandon/KernelFlow/pkg/checkpoint"
	"github.com/willibrandon/KernelFlow/pkg/config"
	"github.com/willibrandon/KernelFlow/pkg/emitter"
	"github.com/willibrandon/KernelFlow/pkg/interceptor"
	kflog "github.com/willibrandon/KernelFlow/pkg/log"
	"github.com/willibrandon/KernelFlow/pkg/resolver"
)

// ErrNotInitialized is returned by operations that need Init to have run.
var ErrNotInitialized = errors.New("interposer not initialized")

// Mode says where real addresses come from.
type Mode int

const (
	// ModeInProcess opens the vendor libraries at Init and resolves every
	// mandatory symbol immediately.
	ModeInProcess Mode = iota
	// ModeAudit learns about vendor libraries from the dynamic loader; the
	// mandatory check runs when the driver library is opened.
	ModeAudit
)

// Options are the inputs of Init. Zero fields are derived from Config.
type Options struct {
	Config config.Config
	Mode   Mode
	Logger *zap.Logger
	// Libraries replaces the configured vendor libraries.
	Libraries []resolver.Library
	// Sink replaces the configured event file.
	Sink emitter.Sink
	// Backend replaces the CUPTI checkpoint backend.
	Backend checkpoint.Backend
	// NVML replaces the system management library.
	NVML   nvml.Interface
	Device interceptor.DeviceQuery
}

// State is everything the interposer keeps for the life of the process.
type State struct {
	Config      config.Config
	Mode        Mode
	Log         *zap.Logger
	Registry    *prometheus.Registry
	Resolver    *resolver.Resolver
	Emitter     *emitter.Emitter
	Interceptor *interceptor.Interceptor
	Activity    *checkpoint.ActivityTracker
	Checkpoints *checkpoint.Manager
	Markers     *Markers

	nvml    *checkpoint.NVMLChecker
	metrics *http.Server

	mu       sync.Mutex
	disabled error
}

var (
	once    sync.Once
	current *State
	initErr error

	verifyABI = abi.VerifyAll
)

// Init builds the process-wide state exactly once. Later calls return the
// result of the first. The ABI shim is verified before anything else; on a
// mismatch nothing is installed.
func Init(opts Options) (*State, error) {
	once.Do(func() {
		current, initErr = newState(opts)
	})
	return current, initErr
}

// Get returns the state built by Init, or nil.
func Get() *State {
	return current
}

// Shutdown tears down the state built by Init. Checkpoints still active at
// this point are reported as leaks.
func Shutdown() error {
	if current == nil {
		return ErrNotInitialized
	}
	return current.Close()
}

func newState(opts Options) (*State, error) {
	if err := verifyABI(); err != nil {
		return nil, fmt.Errorf("verifying vendor ABI: %w", err)
	}

	cfg := opts.Config
	log := opts.Logger
	if log == nil {
		log = kflog.NewOrNop(cfg.LogLevel)
	}
	st := &State{
		Config:   cfg,
		Mode:     opts.Mode,
		Log:      log,
		Registry: prometheus.NewRegistry(),
	}

	exclude, err := resolver.SelfRanges()
	if err != nil {
		log.Warn("cannot determine interposer mappings", zap.Error(err))
	}
	st.Resolver, err = resolver.New(resolver.Options{
		Libraries:         opts.Libraries,
		Exclude:           exclude,
		NegativeCacheSize: cfg.Symbols.NegativeCacheSize,
		Logger:            log,
	})
	if err != nil {
		return nil, err
	}
	for _, name := range cfg.Symbols.Mandatory {
		st.Resolver.Track(name, true)
	}
	for _, name := range cfg.Symbols.Optional {
		st.Resolver.Track(name, false)
	}

	if opts.Mode == ModeInProcess {
		if opts.Libraries == nil {
			st.openLibraries()
		}
		if err := st.Resolver.ResolveMandatory(); err != nil {
			st.Resolver.Close()
			return nil, err
		}
		st.Resolver.ResolveAll()
	}

	if err := st.startEmitter(opts.Sink); err != nil {
		st.Resolver.Close()
		return nil, err
	}

	st.Activity = checkpoint.NewActivityTracker()
	if err := st.startCheckpoints(opts); err != nil {
		st.Emitter.Close()
		st.Resolver.Close()
		return nil, err
	}

	device := opts.Device
	if device == nil {
		device = cudaDeviceQuery(st.Resolver)
	}
	st.Interceptor, err = interceptor.New(interceptor.Options{
		Resolver:   st.Resolver,
		Emitter:    st.Emitter,
		Selection:  interceptor.Selection{Include: cfg.Symbols.Include, Exclude: cfg.Symbols.Exclude},
		Reentrancy: cfg.Interceptor.Reentrancy,
		Mutate:     cfg.Interceptor.Mutate,
		Observer:   st.Activity,
		Device:     device,
		Logger:     log,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		st.serveMetrics(cfg.MetricsAddr)
	}
	log.Info("interposer initialized", zap.Int("symbols", len(st.Resolver.Symbols())), zap.Bool("enabled", cfg.Enabled))
	return st, nil
}

func (st *State) openLibraries() {
	cfg := st.Config.Libraries
	lib, err := resolver.Open(cfg.Backend, resolver.DriverCandidates(cfg.Driver...))
	if err != nil {
		st.Log.Error("CUDA driver library not found", zap.Error(err))
	} else {
		st.Log.Debug("opened driver library", zap.String("path", lib.Path()))
		st.Resolver.AddLibrary(lib)
	}

	if lib, err := resolver.Open(cfg.Backend, resolver.CuptiCandidates(cfg.Cupti...)); err == nil {
		st.Resolver.AddLibrary(lib)
	} else {
		st.Log.Info("CUPTI library not found, checkpoints unavailable", zap.Error(err))
	}
}

func (st *State) startEmitter(sink emitter.Sink) error {
	cfg := st.Config.Emitter
	if sink == nil {
		format, err := emitter.ParseFormat(cfg.Format)
		if err != nil {
			return err
		}
		fs, err := emitter.NewFileSinkWithOptions(cfg.Output, emitter.FileSinkOptions{
			Format:          format,
			CompressionType: emitter.CompressionFor(cfg.Compress),
		})
		if err != nil {
			return fmt.Errorf("opening event sink: %w", err)
		}
		sink = fs
	}
	st.Emitter = emitter.New(sink, emitter.Options{
		BufferSize:    cfg.BufferSize,
		FlushInterval: cfg.FlushInterval,
		Logger:        st.Log,
		Registerer:    st.Registry,
	})
	return nil
}

func (st *State) startCheckpoints(opts Options) error {
	cfg := st.Config.Checkpoint

	busy := []checkpoint.BusyChecker{st.Activity}
	if cfg.UseNVML {
		lib := opts.NVML
		if lib == nil {
			lib = nvml.New()
		}
		checker, err := checkpoint.NewNVMLChecker(lib)
		if err != nil {
			st.Log.Info("NVML unavailable, busy detection uses intercepted launches only", zap.Error(err))
		} else {
			st.nvml = checker
			busy = append(busy, checker)
		}
	}

	backend := opts.Backend
	if backend == nil {
		backend = &lazyCupti{resolver: st.Resolver}
	}
	mgr, err := checkpoint.NewManager(checkpoint.Options{
		Backend:     backend,
		Busy:        checkpoint.AnyBusy(busy...),
		Emitter:     st.Emitter,
		Compression: emitter.CompressionFor(cfg.Compress),
		Settings: checkpoint.Settings{
			ReserveDeviceMB: cfg.ReserveDeviceMB,
			ReserveHostMB:   cfg.ReserveHostMB,
			AllowOverwrite:  cfg.AllowOverwrite,
		},
		Logger: st.Log,
	})
	if err != nil {
		return err
	}
	st.Checkpoints = mgr
	st.Markers = NewMarkers(mgr)
	return nil
}

func (st *State) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(st.Registry, promhttp.HandlerOpts{}))
	st.metrics = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := st.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			st.Log.Warn("metrics endpoint stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
}

// Enabled reports whether calls are being intercepted.
func (st *State) Enabled() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.Config.Enabled && st.disabled == nil
}

// Disable stops interception for the rest of the process. The first reason
// is kept.
func (st *State) Disable(reason error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.disabled == nil {
		st.disabled = reason
		st.Log.Error("interception disabled", zap.Error(reason))
	}
}

// Close releases everything the state owns.
func (st *State) Close() error {
	var errs error
	if st.Checkpoints != nil {
		errs = multierr.Append(errs, st.Checkpoints.Close())
	}
	if st.Emitter != nil {
		errs = multierr.Append(errs, st.Emitter.Close())
	}
	if st.nvml != nil {
		errs = multierr.Append(errs, st.nvml.Close())
	}
	if st.metrics != nil {
		errs = multierr.Append(errs, st.metrics.Close())
	}
	if st.Resolver != nil {
		errs = multierr.Append(errs, st.Resolver.Close())
	}
	if errs != nil {
		st.Log.Error("interposer teardown", zap.Error(errs))
	}
	st.Log.Sync()
	return errs
}
