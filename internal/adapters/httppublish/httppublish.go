// Package httppublish exposes the northbound entities over plain
// JSON-over-HTTP, and serves /metrics via promhttp. It is grounded on the
// teacher's pkg/aegisflow.EdgeRuntime.startMetrics: an *http.Server built
// from a ServeMux, started and stopped the same way, with the same
// ListenAndServe/Shutdown error handling around http.ErrServerClosed.
// Table reads/writes are layered on top of localpublisher rather than
// reimplementing the in-memory store, since the wire format here is just
// a thin JSON view over the same latest-snapshot semantics.
package httppublish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/beamsync/bsas/internal/adapters/localpublisher"
	"github.com/beamsync/bsas/internal/ports"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves every Coordinator's SIG/STS/TBL entities as JSON over
// HTTP, plus /metrics and /healthz.
type Server struct {
	addr string
	pub  *localpublisher.Publisher
	srv  *http.Server
}

// New wraps pub (the in-memory Publisher/ControlPoint every Coordinator
// posts through) with an HTTP front end listening on addr.
func New(addr string, pub *localpublisher.Publisher) *Server {
	return &Server{addr: addr, pub: pub}
}

// Publisher returns the underlying ports.Publisher a Coordinator should
// be configured with.
func (s *Server) Publisher() ports.Publisher { return s.pub }

// ControlPoint returns the underlying ports.ControlPoint a Coordinator
// should be configured with.
func (s *Server) ControlPoint() ports.ControlPoint { return s.pub.AsControlPoint() }

// Start launches the HTTP server in the background.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/table/", s.handleTable)

	s.srv = &http.Server{Addr: s.addr, Handler: mux}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("httppublish server exited: %v", err)
		}
	}()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// handleTable serves GET /table/<name> as a JSON snapshot and accepts
// POST /table/<name> as a control-point write (a JSON array of signal
// names), the HTTP equivalent of writing to a SIG entity.
func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/table/")
	if name == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		snap, ok := s.pub.Snapshot(name)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tableJSON{
			Labels:           snap.Descriptor.Labels,
			IsArray:          snap.Descriptor.IsArray,
			ScalarTag:        snap.Descriptor.ScalarTag,
			Columns:          snap.Columns,
			SecondsPastEpoch: snap.SecondsPastEpoch,
			Nanoseconds:      snap.Nanoseconds,
		})
	case http.MethodPost:
		var list []string
		if err := json.NewDecoder(r.Body).Decode(&list); err != nil {
			http.Error(w, fmt.Sprintf("decode signal list: %v", err), http.StatusBadRequest)
			return
		}
		if err := s.pub.Write(name, list); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type tableJSON struct {
	Labels           []string `json:"labels"`
	IsArray          []bool   `json:"isArray"`
	ScalarTag        []string `json:"scalarTag"`
	Columns          []any    `json:"columns"`
	SecondsPastEpoch []int64  `json:"secondsPastEpoch"`
	Nanoseconds      []int64  `json:"nanoseconds"`
}
