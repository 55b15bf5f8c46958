// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package service exposes the placement engine's operations over a
// management HTTP API.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/hostpool/hostpool/lib/cloudapi"
	"github.com/hostpool/hostpool/lib/ctxlog"
	"github.com/hostpool/hostpool/lib/httpserver"
	"github.com/hostpool/hostpool/lib/placement"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Handler routes management API requests to the placement engine.
type Handler struct {
	Engine          *placement.Engine
	Registry        *prometheus.Registry
	ManagementToken string
	Logger          logrus.FieldLogger

	setupOnce sync.Once
	mux       http.Handler
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	mux := httprouter.New()
	mux.HandlerFunc("POST", "/hostpool/v1/host-groups", h.apiCreateHostGroup)
	mux.HandlerFunc("GET", "/hostpool/v1/host-groups", h.apiListHostGroups)
	mux.HandlerFunc("POST", "/hostpool/v1/hosts", h.apiCreateHost)
	mux.HandlerFunc("POST", "/hostpool/v1/placements", h.apiHostForVMPlacement)
	mux.HandlerFunc("POST", "/hostpool/v1/vms", h.apiPlaceVM)
	mux.Handle("DELETE", "/hostpool/v1/vms/:name", h.apiDeleteVM)
	mux.HandlerFunc("POST", "/hostpool/v1/prepare", h.apiPrepareHostGroup)
	metricsH := promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{
		ErrorLog: h.Logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	h.mux = requireToken(h.ManagementToken, mux)
}

// requireToken rejects requests that don't carry the management
// token. An unconfigured token disables the whole API rather than
// leaving it open.
func requireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			httpserver.Error(w, "Management API authentication is not configured", http.StatusForbidden)
			return
		}
		if r.Header.Get("Authorization") == "Bearer "+token {
			next.ServeHTTP(w, r)
			return
		}
		httpserver.Error(w, "Management token mismatch", http.StatusUnauthorized)
	})
}

func (h *Handler) context(r *http.Request) context.Context {
	return ctxlog.Context(r.Context(), h.Logger)
}

// sendError maps engine error types onto HTTP statuses.
func sendError(w http.ResponseWriter, err error) {
	var pe placement.ParamError
	var ve placement.ValidationError
	switch {
	case errors.As(err, &pe), errors.As(err, &ve), placement.IsConfigError(err):
		httpserver.Error(w, err.Error(), http.StatusBadRequest)
	case cloudapi.IsNotFoundError(err):
		httpserver.Error(w, err.Error(), http.StatusNotFound)
	default:
		httpserver.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) apiCreateHostGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name                     string `json:"name"`
		Location                 string `json:"location"`
		PlatformFaultDomainCount int32  `json:"platform_fault_domain_count"`
		AvailabilityZone         string `json:"availability_zone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	group, err := h.Engine.CreateHostGroup(h.context(r), cloudapi.HostGroup{
		Name:                     req.Name,
		Location:                 req.Location,
		PlatformFaultDomainCount: req.PlatformFaultDomainCount,
		AvailabilityZone:         req.AvailabilityZone,
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, group)
}

func (h *Handler) apiListHostGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.Engine.ListHostGroups(h.context(r))
	if err != nil {
		sendError(w, err)
		return
	}
	var resp struct {
		Items []cloudapi.HostGroup `json:"items"`
	}
	resp.Items = groups
	sendJSON(w, resp)
}

func (h *Handler) apiCreateHost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupName           string `json:"group_name"`
		Name                string `json:"name"`
		SKU                 string `json:"sku"`
		PlatformFaultDomain int32  `json:"platform_fault_domain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	host, err := h.Engine.CreateHost(h.context(r), req.GroupName, cloudapi.Host{
		Name:                req.Name,
		SKU:                 req.SKU,
		PlatformFaultDomain: req.PlatformFaultDomain,
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, host)
}

func (h *Handler) apiHostForVMPlacement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupName string `json:"group_name"`
		VMSize    string `json:"vm_size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hostID, err := h.Engine.HostForVMPlacement(h.context(r), req.GroupName, req.VMSize)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, map[string]string{"host_id": hostID})
}

func (h *Handler) apiPlaceVM(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string            `json:"name"`
		Size      string            `json:"size"`
		GroupName string            `json:"group_name"`
		Location  string            `json:"location"`
		Tags      map[string]string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	vm, err := h.Engine.PlaceVM(h.context(r), placement.VMSpec{
		Name:      req.Name,
		Size:      req.Size,
		GroupName: req.GroupName,
		Location:  req.Location,
		Tags:      req.Tags,
	})
	if err != nil {
		sendError(w, err)
		return
	}
	// vm is null when every attempt exhausted retries without a
	// successful create; callers must check.
	sendJSON(w, vm)
}

func (h *Handler) apiDeleteVM(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	err := h.Engine.DeleteVM(h.context(r), params.ByName("name"))
	if err != nil {
		sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) apiPrepareHostGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupName   string `json:"group_name"`
		VMSize      string `json:"vm_size"`
		VMCount     int    `json:"vm_count"`
		FaultDomain string `json:"fault_domain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	faultDomain := placement.AllFaultDomains
	if req.FaultDomain != "" {
		fd, err := strconv.Atoi(req.FaultDomain)
		if err != nil {
			httpserver.Error(w, "fault_domain must be a decimal integer", http.StatusBadRequest)
			return
		}
		faultDomain = fd
	}
	hosts, err := h.Engine.PrepareHostGroup(h.context(r), req.GroupName, req.VMSize, req.VMCount, faultDomain)
	if err != nil {
		sendError(w, err)
		return
	}
	var resp struct {
		Items []cloudapi.Host `json:"items"`
	}
	resp.Items = hosts
	sendJSON(w, resp)
}
