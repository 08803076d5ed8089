package server

import (
	"context"
	"net/http"
	"time"

	"github.com/modelgate/modelgate/pkg/coordinator"
	"github.com/modelgate/modelgate/pkg/protocol"
)

type outcome struct {
	value any
	err   error
}

// dispatch runs fn detached from the connection and applies the request
// timeout. On timeout the response is a 504 but the work runs to completion
// in the background with its result discarded; the admission token is
// released only when it unwinds.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, release func(), coord *coordinator.Coordinator, fn func(ctx context.Context) (any, error)) {
	ctx := context.WithoutCancel(r.Context())
	done := make(chan outcome, 1)
	go func() {
		value, err := fn(ctx)
		done <- outcome{value: value, err: err}
	}()

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		_ = coord.Close()
		release()
		if out.err != nil {
			writeErrorFor(w, out.err)
			return
		}
		writeData(w, out.value)
	case <-timer.C:
		writeError(w, http.StatusGatewayTimeout, "timeout", "Request timeout")
		go func() {
			out := <-done
			s.logger.Warn("request timed out; late result discarded",
				"path", r.URL.Path, "error", out.err)
			_ = coord.Close()
			release()
		}()
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	release, err := s.admissions[classLLMRun].Acquire(r.Context())
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	var spec protocol.LLMCallSpec
	if !s.decodeBody(w, r, &spec) {
		release()
		return
	}
	coord := s.newCoordinator()
	s.dispatch(w, r, release, coord, func(ctx context.Context) (any, error) {
		return coord.Run(ctx, &spec)
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	release, err := s.admissions[classLLMStream].Acquire(r.Context())
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	var spec protocol.LLMCallSpec
	if !s.decodeBody(w, r, &spec) {
		release()
		return
	}

	coord := s.newCoordinator()
	ctx, cancel := context.WithCancel(r.Context())
	events, err := coord.Stream(ctx, &spec)
	if err != nil {
		cancel()
		_ = coord.Close()
		release()
		writeErrorFor(w, err)
		return
	}

	s.serveEventStream(w, r, events)

	// stop the producer and release only after it unwinds
	cancel()
	go func() {
		for range events {
		}
		_ = coord.Close()
		release()
	}()
}

func (s *Server) handleVectorRun(w http.ResponseWriter, r *http.Request) {
	release, err := s.admissions[classVectorRun].Acquire(r.Context())
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	var spec protocol.VectorCallSpec
	if !s.decodeBody(w, r, &spec) {
		release()
		return
	}
	coord := s.newCoordinator()
	s.dispatch(w, r, release, coord, func(ctx context.Context) (any, error) {
		return coord.VectorSearch(ctx, spec)
	})
}

func (s *Server) handleVectorStream(w http.ResponseWriter, r *http.Request) {
	release, err := s.admissions[classVectorStream].Acquire(r.Context())
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	defer release()

	var spec protocol.VectorCallSpec
	if !s.decodeBody(w, r, &spec) {
		return
	}
	coord := s.newCoordinator()
	defer coord.Close()

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	results, err := coord.VectorSearch(ctx, spec)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	sw := startSSE(w)
	for _, result := range results {
		sw.send(envelope{Type: "response", Data: result})
	}
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	release, err := s.admissions[classEmbeddingRun].Acquire(r.Context())
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	var spec protocol.EmbeddingCallSpec
	if !s.decodeBody(w, r, &spec) {
		release()
		return
	}
	coord := s.newCoordinator()
	s.dispatch(w, r, release, coord, func(ctx context.Context) (any, error) {
		return coord.Embed(ctx, spec)
	})
}
