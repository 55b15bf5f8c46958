// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package hintstore is a short-lived key/expiry store used to
// coordinate concurrent placement and deletion flows. Hints are pure
// coordination state: an absent or expired hint never blocks
// progress, and nothing here is authoritative about actual cloud
// state.
package hintstore

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Kind identifies one of the independent per-host hint families.
type Kind string

const (
	// InUsage marks a host that was just chosen for a VM
	// placement attempt, so a concurrent deletion flow leaves it
	// alone.
	InUsage Kind = "in-usage"

	// AtCapacity marks a host the control plane reported as full.
	// Only ever a negative hint to the selector; it expires and
	// is re-checked against live capacity.
	AtCapacity Kind = "at-capacity"

	// MarkedForDeletion marks a host observed with zero VMs, as a
	// tentative pre-delete flag.
	MarkedForDeletion Kind = "marked-for-deletion"
)

// Store records TTL-bounded hints keyed by (kind, lower-cased host
// id). All methods are goroutine safe.
type Store struct {
	mtx   sync.Mutex
	now   func() time.Time
	hints map[Kind]map[string]time.Time

	mLive *prometheus.GaugeVec
}

// NewStore returns an empty Store. reg may be nil.
func NewStore(reg *prometheus.Registry) *Store {
	s := &Store{
		now:   time.Now,
		hints: map[Kind]map[string]time.Time{},
	}
	s.mLive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hostpool",
		Subsystem: "hints",
		Name:      "live",
		Help:      "Number of unexpired hints, by kind.",
	}, []string{"kind"})
	if reg != nil {
		reg.MustRegister(s.mLive)
	}
	return s
}

// SetTimeProvider sets the clock used to judge expiry. Tests use this
// to simulate expiry instead of sleeping.
func (s *Store) SetTimeProvider(now func() time.Time) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.now = now
}

// Mark records a hint that expires ttl from now. Re-marking an
// existing hint extends it.
func (s *Store) Mark(kind Kind, key string, ttl time.Duration) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	m := s.hints[kind]
	if m == nil {
		m = map[string]time.Time{}
		s.hints[kind] = m
	}
	m[canonical(key)] = s.now().Add(ttl)
	s.sweepLocked(kind)
}

// IsSet reports whether an unexpired hint exists for (kind, key).
func (s *Store) IsSet(kind Kind, key string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	expiry, ok := s.hints[kind][canonical(key)]
	if !ok {
		return false
	}
	if !s.now().Before(expiry) {
		delete(s.hints[kind], canonical(key))
		s.mLive.WithLabelValues(string(kind)).Set(float64(len(s.hints[kind])))
		return false
	}
	return true
}

// Unmark removes the hint for (kind, key) if present.
func (s *Store) Unmark(kind Kind, key string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.hints[kind], canonical(key))
	s.mLive.WithLabelValues(string(kind)).Set(float64(len(s.hints[kind])))
}

// sweepLocked drops expired entries for one kind and refreshes the
// gauge. Caller must hold mtx.
func (s *Store) sweepLocked(kind Kind) {
	now := s.now()
	for key, expiry := range s.hints[kind] {
		if !now.Before(expiry) {
			delete(s.hints[kind], key)
		}
	}
	s.mLive.WithLabelValues(string(kind)).Set(float64(len(s.hints[kind])))
}

// Host ids compare case-insensitively, so every key is lower-cased
// before use.
func canonical(key string) string {
	return strings.ToLower(key)
}
