// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package route

import "errors"

var (
	ErrMissingField   = errors.New("route is missing a required field")
	ErrInvalidPool    = errors.New("route pool size and prefetch must be positive")
	ErrDuplicateRoute = errors.New("route with the same exchange, queue and routing key already exists")
	ErrDuplicateQueue = errors.New("queue is already bound by another route")
	ErrPoolMismatch   = errors.New("routes sharing a pool declare different pool sizes")
	ErrNoRoutes       = errors.New("no routes defined")
)
