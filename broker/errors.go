// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "errors"

// Adapter errors.
var (
	ErrNotConnected      = errors.New("broker not connected")
	ErrClosed            = errors.New("broker adapter closed")
	ErrAlreadySettled    = errors.New("delivery already settled")
	ErrExchangeNotFound  = errors.New("exchange not found")
	ErrQueueNotFound     = errors.New("queue not found")
	ErrUnknownDelivery   = errors.New("unknown delivery tag")
	ErrInvalidQueueName  = errors.New("queue name cannot be empty")
	ErrNilHandler        = errors.New("delivery handler cannot be nil")
	ErrConsumerCancelled = errors.New("consumer cancelled")
)
