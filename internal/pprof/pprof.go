// Package pprof exposes profiling for a long running session server.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"sync"

	"github.com/codefionn/resident/internal/logger"
)

// Config holds the profiling configuration. Every field is optional.
type Config struct {
	// Addr serves /debug/pprof/. "host:port" listens on TCP; an absolute
	// path listens on a unix socket, which keeps the endpoint private to
	// the user like the session sockets.
	Addr string
	// CPUProfile is written from Start until Stop.
	CPUProfile string
	// HeapProfile is written on Stop.
	HeapProfile string
}

// Enabled reports whether any profiling is configured.
func (c Config) Enabled() bool {
	return c.Addr != "" || c.CPUProfile != "" || c.HeapProfile != ""
}

// Handler manages profiling for one process.
type Handler struct {
	config  Config
	log     *logger.Logger
	server  *http.Server
	cpuFile *os.File

	mu      sync.Mutex
	stopped bool
}

// NewHandler creates a handler that has not started.
func NewHandler(config Config) *Handler {
	return &Handler{
		config: config,
		log:    logger.Global().WithPrefix("pprof"),
	}
}

// Start begins CPU profiling and serving, as configured.
func (h *Handler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.config.CPUProfile != "" {
		f, err := create(h.config.CPUProfile)
		if err != nil {
			return err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("failed to start CPU profiling: %w", err)
		}
		h.cpuFile = f
	}

	if h.config.Addr == "" {
		return nil
	}
	ln, err := listen(h.config.Addr)
	if err != nil {
		h.stopCPU()
		return fmt.Errorf("failed to bind pprof server: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", netpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", netpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", netpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", netpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", netpprof.Trace)
	h.server = &http.Server{Handler: mux}

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error("pprof server: %v", err)
		}
	}()
	h.log.Info("serving profiles on %s", ln.Addr())
	return nil
}

// Stop ends profiling, writes the heap profile and shuts the server down.
// It is safe to call more than once.
func (h *Handler) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	h.stopped = true

	errs := []error{h.stopCPU()}
	if h.config.HeapProfile != "" {
		errs = append(errs, writeHeap(h.config.HeapProfile))
	}
	if h.server != nil {
		if err := h.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down pprof server: %w", err))
		}
		h.server = nil
	}
	if strings.HasPrefix(h.config.Addr, "/") {
		_ = os.Remove(h.config.Addr)
	}
	return errors.Join(errs...)
}

func (h *Handler) stopCPU() error {
	if h.cpuFile == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := h.cpuFile.Close()
	h.cpuFile = nil
	if err != nil {
		return fmt.Errorf("failed to close CPU profile: %w", err)
	}
	return nil
}

func listen(addr string) (net.Listener, error) {
	if !strings.HasPrefix(addr, "/") {
		return net.Listen("tcp", addr)
	}
	if err := os.MkdirAll(filepath.Dir(addr), 0o700); err != nil {
		return nil, err
	}
	_ = os.Remove(addr)
	ln, err := net.Listen("unix", addr)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(addr, 0o600); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

func writeHeap(path string) error {
	f, err := create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("failed to write heap profile: %w", err)
	}
	return nil
}

func create(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return f, nil
}
