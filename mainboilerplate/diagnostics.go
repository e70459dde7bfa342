// Package mainboilerplate contains shared boilerplate for litesync programs.
// It provides narrowly scoped helpers, so callers needn't buy in to an
// all-or-nothing approach.
package mainboilerplate

import (
	_ "expvar" // Import for /debug/vars
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	// Version of the build, set at link time.
	Version = "development"
	// BuildDate of the build, set at link time.
	BuildDate = "unknown"
)

// DiagnosticsConfig configures pull-based application metrics, debugging and diagnostics.
type DiagnosticsConfig struct {
	Address string `long:"address" env:"ADDRESS" description:"Address (eg, 'localhost:8080') at which to serve /debug/ diagnostics. Disabled if empty"`
}

var registerHandlers sync.Once

// InitDiagnosticsAndRecover registers metrics and debugging handlers on the
// default HTTP mux and, if an Address is configured, serves them. It returns
// a closure which should be deferred, which logs a recovered panic before
// re-raising it.
//
// Besides /debug/pprof/ and /debug/vars, handlers are:
//   - /debug/ready: liveness check.
//   - /debug/version: Version and BuildDate of the binary.
//   - /debug/metrics: Prometheus metrics of the default registry.
func InitDiagnosticsAndRecover(cfg DiagnosticsConfig) func() {
	registerHandlers.Do(func() {
		http.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		http.HandleFunc("/debug/version", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = fmt.Fprintf(w, "version %s, built %s\n", Version, BuildDate)
		})
		http.Handle("/debug/metrics", promhttp.Handler())
	})

	if cfg.Address != "" {
		go func() {
			var err = http.ListenAndServe(cfg.Address, nil)
			log.WithFields(log.Fields{
				"address": cfg.Address,
				"err":     err,
			}).Error("diagnostics server exited")
		}()
	}

	return func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("recovered panic; re-raising")
			panic(r)
		}
	}
}

// Must panics if |err| is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}
