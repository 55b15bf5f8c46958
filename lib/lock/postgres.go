// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/hostpool/hostpool/lib/ctxlog"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresLocker uses pg_try_advisory_lock to provide mutual
// exclusion across all processes sharing one database. Each held
// lock pins one database connection; the lock lives as long as the
// session, so a crashed holder releases implicitly.
type PostgresLocker struct {
	getdb func(context.Context) (*sqlx.DB, error)

	mtx  sync.Mutex
	held map[string]*sql.Conn
}

// NewPostgresLocker returns a PostgresLocker backed by the database
// pool returned by getdb.
func NewPostgresLocker(getdb func(context.Context) (*sqlx.DB, error)) *PostgresLocker {
	return &PostgresLocker{getdb: getdb, held: map[string]*sql.Conn{}}
}

// NewPostgresLockerDSN connects to the given PostgreSQL DSN and
// returns a PostgresLocker using it.
func NewPostgresLockerDSN(dsn string) (*PostgresLocker, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return NewPostgresLocker(func(context.Context) (*sqlx.DB, error) { return db, nil }), nil
}

// Lock implements Locker. It maps the key to an advisory lock id by
// hashing, takes one connection from the pool, and issues
// pg_try_advisory_lock on it. ErrContended is returned when any
// client (including this process) already holds the lock.
func (pgl *PostgresLocker) Lock(ctx context.Context, key string) error {
	logger := ctxlog.FromContext(ctx).WithField("LockKey", key)
	key = strings.ToLower(key)

	pgl.mtx.Lock()
	defer pgl.mtx.Unlock()
	if pgl.held[key] != nil {
		return ErrContended
	}
	db, err := pgl.getdb(ctx)
	if err != nil {
		return err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	var locked bool
	err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockID(key)).Scan(&locked)
	if err != nil {
		conn.Close()
		return err
	}
	if !locked {
		conn.Close()
		return ErrContended
	}
	logger.Debug("acquired pg_advisory_lock")
	pgl.held[key] = conn
	return nil
}

// Unlock implements Locker. Release failures are logged and
// swallowed: closing the connection drops the session-scoped lock
// anyway.
func (pgl *PostgresLocker) Unlock(key string) {
	key = strings.ToLower(key)
	pgl.mtx.Lock()
	conn := pgl.held[key]
	delete(pgl.held, key)
	pgl.mtx.Unlock()
	if conn == nil {
		return
	}
	_, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID(key))
	if err != nil {
		ctxlog.FromContext(context.Background()).WithError(err).WithField("LockKey", key).Info("error releasing pg_advisory_lock")
	}
	conn.Close()
}

// lockID maps a lock key to the 64-bit advisory lock keyspace.
func lockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}
