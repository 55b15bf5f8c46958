// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloudapi

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/Azure/go-autorest/autorest"
	"github.com/Azure/go-autorest/autorest/azure"
)

// allocationFailedCode is the one service-error code the placement
// engine branches on: the chosen dedicated host could not fit the VM.
const allocationFailedCode = "AllocationFailed"

var quotaRe = regexp.MustCompile(`(?i:exceed|quota|limit)`)

type azureRateLimitError struct {
	azure.RequestError
	firstRetry time.Time
}

func (ar *azureRateLimitError) EarliestRetry() time.Time {
	return ar.firstRetry
}

type azureQuotaError struct {
	azure.RequestError
}

func (ar *azureQuotaError) IsQuotaError() bool {
	return true
}

type azureCapacityError struct {
	azure.RequestError
}

func (ar *azureCapacityError) IsCapacityError() bool {
	return true
}

type azureNotFoundError struct {
	azure.RequestError
}

func (ar *azureNotFoundError) IsNotFoundError() bool {
	return true
}

// wrapAzureError classifies an error from the Azure SDK into the
// taxonomy the engine cares about: rate limiting (hold off all
// calls), quota exhaustion, and AllocationFailed (host full, try
// another). Anything else passes through unchanged and is treated as
// transient by the retry executor.
func wrapAzureError(err error) error {
	de, ok := err.(autorest.DetailedError)
	if !ok {
		return err
	}
	rq, ok := de.Original.(*azure.RequestError)
	if !ok {
		return err
	}
	if rq.Response == nil {
		return err
	}
	if rq.Response.StatusCode == 429 || len(rq.Response.Header["Retry-After"]) >= 1 {
		// API throttling. A 429 is not guaranteed to carry a
		// Retry-After header; default to 20 seconds when it is
		// absent or unparseable.
		earliestRetry := time.Now().Add(20 * time.Second)
		if ra := rq.Response.Header.Get("Retry-After"); ra != "" {
			if t, parseErr := http.ParseTime(ra); parseErr == nil {
				earliestRetry = t
			} else if dur, parseErr := strconv.ParseInt(ra, 10, 64); parseErr == nil {
				earliestRetry = time.Now().Add(time.Duration(dur) * time.Second)
			}
		}
		return &azureRateLimitError{*rq, earliestRetry}
	}
	if rq.Response.StatusCode == http.StatusNotFound {
		return &azureNotFoundError{*rq}
	}
	if rq.ServiceError == nil {
		return err
	}
	if rq.ServiceError.Code == allocationFailedCode {
		return &azureCapacityError{*rq}
	}
	if quotaRe.FindString(rq.ServiceError.Code) != "" || quotaRe.FindString(rq.ServiceError.Message) != "" {
		return &azureQuotaError{*rq}
	}
	return err
}
