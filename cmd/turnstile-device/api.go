// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/turnstile-access/turnstile/access"
	"github.com/turnstile-access/turnstile/credential"
	"github.com/turnstile-access/turnstile/lib/netutil"
)

// routes returns the local API handler.
func (d *Device) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/v1", func(r chi.Router) {
		r.Get("/status", d.handleStatus)
		r.Get("/credentials/{bioID}", d.handleCredential)
		r.Post("/scans/{kind}", d.handleStartScan)
		r.Delete("/scans/{kind}", d.handleCancelScan)
		r.Post("/readings/{kind}", d.handleReading)
		r.Post("/door", d.handleDoor)
	})
	return router
}

func newHTTPServer(address string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

type statusResponse struct {
	DeviceID      string           `json:"device_id"`
	Room          string           `json:"room"`
	State         string           `json:"state"`
	Connected     bool             `json:"connected"`
	Credentials   int              `json:"credentials"`
	Digest        string           `json:"digest"`
	Pending       int              `json:"pending"`
	Scanning      []scanKind       `json:"scanning,omitempty"`
	LastScan      *scanOutcome     `json:"last_scan,omitempty"`
	LastDecision  *access.Decision `json:"last_decision,omitempty"`
	LastCommand   *time.Time       `json:"last_command,omitempty"`
	UptimeSeconds float64          `json:"uptime_seconds"`
}

func (d *Device) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	count, err := d.store.Count(ctx, d.id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	digest, err := d.store.Digest(ctx, d.id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	pending, err := d.queue.PendingCount(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	response := statusResponse{
		DeviceID:      d.id,
		Room:          d.room,
		State:         d.session.State().String(),
		Connected:     d.session.Connected(),
		Credentials:   count,
		Digest:        digest,
		Pending:       pending,
		Scanning:      d.scans.running(),
		LastScan:      d.scans.lastOutcome(),
		LastDecision:  d.lastDecisionCopy(),
		UptimeSeconds: d.clock.Now().Sub(d.startedAt).Seconds(),
	}
	d.mu.Lock()
	if !d.lastCommand.IsZero() {
		lastCommand := d.lastCommand
		response.LastCommand = &lastCommand
	}
	d.mu.Unlock()
	writeJSON(w, http.StatusOK, response)
}

// credentialResponse is a stored credential without biometric data.
type credentialResponse struct {
	BioID      string    `json:"bio_id"`
	IDNumber   string    `json:"id_number,omitempty"`
	PersonName string    `json:"person_name,omitempty"`
	FromDate   string    `json:"from_date,omitempty"`
	ToDate     string    `json:"to_date,omitempty"`
	FromTime   string    `json:"from_time"`
	ToTime     string    `json:"to_time"`
	ActiveDays string    `json:"active_days"`
	Face       bool      `json:"face"`
	FingerSlot int       `json:"finger_slot,omitempty"`
	RFID       bool      `json:"rfid"`
	ActiveNow  bool      `json:"active_now"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (d *Device) handleCredential(w http.ResponseWriter, r *http.Request) {
	stored, err := d.store.CredentialByBioID(r.Context(), chi.URLParam(r, "bioID"))
	if errors.Is(err, credential.ErrNotFound) || (err == nil && stored.DeviceID != d.id) {
		writeError(w, http.StatusNotFound, credential.ErrNotFound)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	response := credentialResponse{
		BioID:      stored.BioID,
		IDNumber:   stored.IDNumber,
		PersonName: stored.PersonName,
		FromTime:   stored.Window.FromTime.String(),
		ToTime:     stored.Window.ToTime.String(),
		ActiveDays: stored.Window.Days.String(),
		Face:       stored.HasFace(),
		FingerSlot: stored.FingerSlot,
		RFID:       stored.RFID != "",
		ActiveNow:  stored.Window.Active(d.clock.Now()),
		UpdatedAt:  stored.UpdatedAt,
	}
	if !stored.Window.FromDate.IsZero() {
		response.FromDate = stored.Window.FromDate.String()
	}
	if !stored.Window.ToDate.IsZero() {
		response.ToDate = stored.Window.ToDate.String()
	}
	writeJSON(w, http.StatusOK, response)
}

func (d *Device) handleStartScan(w http.ResponseWriter, r *http.Request) {
	kind, err := parseScanKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err := d.scans.start(kind); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"kind": string(kind), "status": "scanning"})
}

func (d *Device) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	kind, err := parseScanKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err := d.scans.cancel(kind); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type readingRequest struct {
	Vector []float32 `json:"vector,omitempty"`
	Slot   int       `json:"slot,omitempty"`
	UID    string    `json:"uid,omitempty"`
}

func (d *Device) handleReading(w http.ResponseWriter, r *http.Request) {
	kind, err := parseScanKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	var reading readingRequest
	if err := netutil.DecodeResponse(r.Body, &reading); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	switch kind {
	case scanFace:
		if len(reading.Vector) == 0 {
			writeError(w, http.StatusBadRequest, errors.New("vector is required"))
			return
		}
		err = d.scans.feedFace(reading.Vector)
	case scanFinger:
		if reading.Slot <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("slot must be positive"))
			return
		}
		err = d.scans.feedFinger(reading.Slot)
	case scanRFID:
		if reading.UID == "" {
			writeError(w, http.StatusBadRequest, errors.New("uid is required"))
			return
		}
		err = d.scans.feedCard(reading.UID)
	}
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type doorRequest struct {
	Open *bool `json:"open"`
}

func (d *Device) handleDoor(w http.ResponseWriter, r *http.Request) {
	var request doorRequest
	if err := netutil.DecodeResponse(r.Body, &request); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if request.Open == nil {
		writeError(w, http.StatusBadRequest, errors.New("open is required"))
		return
	}
	d.door.Signal(*request.Open)
	w.WriteHeader(http.StatusAccepted)
}
