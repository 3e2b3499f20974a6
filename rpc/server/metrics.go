package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/julienschmidt/httprouter"
	gometrics "github.com/rcrowley/go-metrics"
)

// serverMetrics holds the counters of one server instance. The Prometheus
// set is exported through the metrics endpoint, the meters feed the
// periodic stats log line.
type serverMetrics struct {
	set *metrics.Set

	accepted        *metrics.Counter
	closed          *metrics.Counter
	pdusIn          *metrics.Counter
	pdusOut         *metrics.Counter
	frameErrors     *metrics.Counter
	unknownCommands *metrics.Counter
	staleResponses  *metrics.Counter
	timeouts        *metrics.Counter
	heartbeats      *metrics.Counter
	handlerPanics   *metrics.Counter
	listenerErrors  *metrics.Counter
	pduSize         *metrics.Histogram

	registry gometrics.Registry
	inRate   gometrics.Meter
	outRate  gometrics.Meter
	bytesIn  gometrics.Meter
	bytesOut gometrics.Meter
}

func newServerMetrics(s *Server) *serverMetrics {
	set := metrics.NewSet()
	reg := gometrics.NewRegistry()

	m := &serverMetrics{
		set:             set,
		accepted:        set.NewCounter("dproxy_connections_accepted_total"),
		closed:          set.NewCounter("dproxy_connections_closed_total"),
		pdusIn:          set.NewCounter("dproxy_pdus_received_total"),
		pdusOut:         set.NewCounter("dproxy_pdus_sent_total"),
		frameErrors:     set.NewCounter("dproxy_protocol_violations_total"),
		unknownCommands: set.NewCounter("dproxy_unknown_commands_total"),
		staleResponses:  set.NewCounter("dproxy_stale_responses_total"),
		timeouts:        set.NewCounter("dproxy_timeouts_total"),
		heartbeats:      set.NewCounter("dproxy_heartbeats_sent_total"),
		handlerPanics:   set.NewCounter("dproxy_handler_panics_total"),
		listenerErrors:  set.NewCounter("dproxy_listener_errors_total"),
		pduSize:         set.NewHistogram("dproxy_pdu_size_bytes"),

		registry: reg,
		inRate:   gometrics.GetOrRegisterMeter("pdus.in", reg),
		outRate:  gometrics.GetOrRegisterMeter("pdus.out", reg),
		bytesIn:  gometrics.GetOrRegisterMeter("bytes.in", reg),
		bytesOut: gometrics.GetOrRegisterMeter("bytes.out", reg),
	}

	set.NewGauge("dproxy_connections_active", func() float64 {
		return float64(s.byHandle.Size())
	})
	set.NewGauge("dproxy_responses_pending", func() float64 {
		return float64(s.responses.Len())
	})
	set.NewGauge("dproxy_tasks_pending", func() float64 {
		return float64(s.pool.Pending())
	})
	return m
}

func (m *serverMetrics) received(size int) {
	m.pdusIn.Inc()
	m.pduSize.Update(float64(size))
	m.inRate.Mark(1)
	m.bytesIn.Mark(int64(size))
}

func (m *serverMetrics) sent(size int) {
	m.pdusOut.Inc()
	m.outRate.Mark(1)
	m.bytesOut.Mark(int64(size))
}

// stop ends the meter tickers
func (m *serverMetrics) stop() {
	m.registry.UnregisterAll()
}

// logStats writes one line with the current traffic rates
func (s *Server) logStats(time.Time) {
	m := s.metrics
	Logger.Infof("stats: conns=%d pdus in=%d (%.1f/s) out=%d (%.1f/s) bytes in=%.0f/s out=%.0f/s responses pending=%d tasks pending=%d",
		s.byHandle.Size(),
		m.inRate.Count(), m.inRate.Rate1(),
		m.outRate.Count(), m.outRate.Rate1(),
		m.bytesIn.Rate1(), m.bytesOut.Rate1(),
		s.responses.Len(), s.pool.Pending(),
	)
}

// --------------------------------------------------------------------------
// HTTP endpoint
// --------------------------------------------------------------------------

func (s *Server) metricsRouter() *httprouter.Router {
	router := httprouter.New()
	router.GET("/metrics", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		s.metrics.set.WritePrometheus(w)
		metrics.WriteProcessMetrics(w)
	})
	router.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		if s.shutdownRequested.Load() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprintf(w, "ok %d connections\n", s.byHandle.Size())
	})
	return router
}

// startMetrics serves the metrics endpoint if one is configured
func (s *Server) startMetrics() error {
	if s.config.MetricsEndpoint == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.config.MetricsEndpoint)
	if err != nil {
		return fmt.Errorf("metrics endpoint: %w", err)
	}
	addr := ln.Addr().String()
	s.metricsAddr.Store(&addr)
	s.httpServer = &http.Server{
		Handler:           s.metricsRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("metrics endpoint failed: %v", err)
		}
	}()
	Logger.Infof("metrics endpoint on http://%s/metrics", addr)
	return nil
}

func (s *Server) stopMetrics() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
		s.httpServer = nil
	}
	s.metrics.stop()
}
