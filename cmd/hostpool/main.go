// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Command hostpool runs the dedicated-host placement service.
package main

import (
	"flag"
	"net/http"
	"os"

	"github.com/hostpool/hostpool/lib/cloudapi"
	"github.com/hostpool/hostpool/lib/config"
	"github.com/hostpool/hostpool/lib/ctxlog"
	"github.com/hostpool/hostpool/lib/hintstore"
	"github.com/hostpool/hostpool/lib/lock"
	"github.com/hostpool/hostpool/lib/placement"
	"github.com/hostpool/hostpool/lib/service"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "/etc/hostpool/config.yml", "path to configuration file")
	listen := flag.String("listen", "", "address to listen on (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		ctxlog.FromContext(nil).WithError(err).Fatal("error loading configuration")
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	logger := ctxlog.New(cfg.LogLevel, cfg.LogFormat)

	cloud, err := cloudapi.NewAzureControlPlane(cfg.Azure, logger)
	if err != nil {
		logger.WithError(err).Fatal("error initializing Azure control plane client")
	}

	var locker lock.Locker
	if cfg.PostgresDSN != "" {
		locker, err = lock.NewPostgresLockerDSN(cfg.PostgresDSN)
		if err != nil {
			logger.WithError(err).Fatal("error connecting to PostgreSQL for advisory locks")
		}
	} else {
		logger.Warn("PostgresDSN not configured; placement locks are process-local")
		locker = lock.NewMemLocker()
	}

	reg := prometheus.NewRegistry()
	hints := hintstore.NewStore(reg)
	engine := placement.New(cloud, locker, hints, cfg, reg)

	handler := &service.Handler{
		Engine:          engine,
		Registry:        reg,
		ManagementToken: cfg.ManagementToken,
		Logger:          logger,
	}

	logger.WithField("Listen", cfg.Listen).Info("hostpool service starting")
	err = http.ListenAndServe(cfg.Listen, handler)
	logger.WithError(err).Error("server exited")
	os.Exit(1)
}
