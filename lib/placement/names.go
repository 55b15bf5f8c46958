// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package placement

import "github.com/jmcvetta/randutil"

// newHostName returns a host name with enough random suffix that
// concurrent bulk creation cannot plausibly collide.
func newHostName() (string, error) {
	suffix, err := randutil.String(10, "abcdefghijklmnopqrstuvwxyz0123456789")
	if err != nil {
		return "", err
	}
	return "host-" + suffix, nil
}
