package export

import (
	"fmt"
	"log"
	"net"
	"net/http"

	"golang.org/x/net/netutil"

	"github.com/hermes-broker/hermes/core/mmaplog"
)

// ServeHTTP exposes l's frames over a minimal read-only HTTP endpoint for
// operational tooling (curl-based inspection, log shipping). The listener
// is wrapped in netutil.LimitListener so a debug endpoint left open on a
// production host cannot be driven to exhaust file descriptors the way an
// unbounded accept loop could.
//
// GET /dump streams every frame as length-delimited FrameRecord messages,
// the same format written by Dump. GET /healthz reports liveness only.
func ServeHTTP(addr string, maxConns int, l *mmaplog.Log) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("export: listen %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, maxConns)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/dump", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		// Dump may have already written partial output by the time it
		// fails; there is no clean way to signal that mid-stream over
		// HTTP/1.1, so just log it server-side and let the client see a
		// truncated body.
		if _, err := Dump(l, w); err != nil {
			log.Printf("export: dump over http: %v", err)
		}
	})

	srv := &http.Server{Handler: mux}
	return srv.Serve(ln)
}
