package profiling

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultAddress is served when no profiling address is configured.
	DefaultAddress    = "localhost:9091"
	ReadHeaderTimeout = 2 * time.Second
)

// Handler routes the runtime profiles under /debug/pprof/.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return mux
}

// Enable serves the profiles on addr, DefaultAddress when empty, until the
// returned server is closed.
func Enable(addr string) *http.Server {
	if addr == "" {
		addr = DefaultAddress
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start profiling server", "error", err, "endpoint", addr)
		}
	}()

	slog.Info("profiling enabled", "endpoint", "http://"+addr+"/debug/pprof/")

	return server
}
