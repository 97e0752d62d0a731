package mirror

// This file implements the HTTP handler callbacks of mirror nodes.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"sigsum.org/ct-mirror/internal/consistent"
	"sigsum.org/sigsum-go/pkg/log"
)

func writeJSON(w http.ResponseWriter, v interface{}) (int, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(b); err != nil {
		log.Debug("writing response: %v", err)
	}
	return http.StatusOK, nil
}

func (m Mirror) getSTH(ctx context.Context, w http.ResponseWriter, _ *http.Request) (int, error) {
	log.Debug("handling get-sth request")
	sth, err := m.Serving.ServingSTH(ctx)
	if errors.Is(err, consistent.ErrNotFound) {
		return http.StatusServiceUnavailable, fmt.Errorf("no tree head available yet")
	}
	if err != nil {
		return http.StatusInternalServerError, err
	}
	// The cluster tree head is gated on the master's storage only.
	size, err := m.Storage.CurrentTreeSize(ctx)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	if sth.TreeSize > size {
		local, ok := m.Serving.LocalSTH()
		if !ok || local.TreeSize > size {
			return http.StatusServiceUnavailable, fmt.Errorf("local storage at %d, behind cluster tree head %v", size, sth)
		}
		log.Debug("local storage at %d, serving %v instead of %v", size, local, sth)
		sth = local
	}
	return writeJSON(w, sth)
}

func (m Mirror) getStatus(ctx context.Context, w http.ResponseWriter, _ *http.Request) (int, error) {
	log.Debug("handling status request")
	status, err := m.status(ctx)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	return writeJSON(w, status)
}
