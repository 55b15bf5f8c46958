// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package lock provides named mutual exclusion for the
// "check capacity, else create a host" critical section. The
// Postgres implementation serializes across process instances; the
// in-process implementation covers single-node deployments and
// tests.
package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrContended is returned by Lock when another client holds the
// named lock. Callers are expected to retry.
var ErrContended = errors.New("lock is held by another client")

// A Locker provides named mutual exclusion. Lock is a single
// try-acquire: it returns ErrContended rather than blocking, so the
// caller controls its own retry/backoff budget.
type Locker interface {
	Lock(ctx context.Context, key string) error
	Unlock(key string)
}

// With acquires the named lock, runs fn, and releases the lock on
// every path, including a panicking fn.
func With(ctx context.Context, locker Locker, key string, fn func() error) error {
	if err := locker.Lock(ctx, key); err != nil {
		return err
	}
	defer locker.Unlock(key)
	return fn()
}

// MemLocker is a process-local Locker.
type MemLocker struct {
	mtx  sync.Mutex
	held map[string]bool
}

// NewMemLocker returns an empty MemLocker.
func NewMemLocker() *MemLocker {
	return &MemLocker{held: map[string]bool{}}
}

// Lock implements Locker.
func (ml *MemLocker) Lock(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ml.mtx.Lock()
	defer ml.mtx.Unlock()
	key = strings.ToLower(key)
	if ml.held[key] {
		return ErrContended
	}
	ml.held[key] = true
	return nil
}

// Unlock implements Locker.
func (ml *MemLocker) Unlock(key string) {
	ml.mtx.Lock()
	defer ml.mtx.Unlock()
	delete(ml.held, strings.ToLower(key))
}
