// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package placement

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hostpool/hostpool/lib/cloudapi"
)

// A ConfigError indicates a missing or inconsistent entry in the
// static configuration tables. It cannot self-resolve, so it is never
// retried.
type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return "configuration error: " + e.Message
}

func configErrorf(format string, args ...interface{}) error {
	return ConfigError{Message: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether any error in err's chain is a
// ConfigError.
func IsConfigError(err error) bool {
	var ce ConfigError
	return errors.As(err, &ce)
}

// A ValidationError indicates a caller-supplied value that can never
// be valid. Fails immediately, no retry.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return "invalid input: " + e.Message
}

func validationErrorf(format string, args ...interface{}) error {
	return ValidationError{Message: fmt.Sprintf(format, args...)}
}

// A ParamError identifies a required parameter that was empty.
type ParamError struct {
	Param string
}

func (e ParamError) Error() string {
	return "parameter " + e.Param + " must not be empty"
}

// requireNonEmpty returns a ParamError naming the first empty
// parameter, if any. Arguments alternate name, value.
func requireNonEmpty(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return ParamError{Param: pairs[i]}
		}
	}
	return nil
}

// aggregateError reports every failure from a fan-out, not just the
// first.
func aggregateError(prefix string, msgs []string) error {
	return fmt.Errorf("%s (%d failures): %s", prefix, len(msgs), strings.Join(msgs, "; "))
}

// retryableCloudError decides whether a control-plane error is worth
// another attempt. Capacity exhaustion is not a transient read
// failure (it drives the state machine instead), and configuration
// or parameter errors cannot self-resolve.
func retryableCloudError(err error) bool {
	if cloudapi.IsCapacityError(err) || cloudapi.IsNotFoundError(err) || IsConfigError(err) {
		return false
	}
	var pe ParamError
	var ve ValidationError
	if errors.As(err, &pe) || errors.As(err, &ve) {
		return false
	}
	return true
}
