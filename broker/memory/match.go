// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"strings"

	"github.com/absmach/fluxsub/broker"
)

func bindingMatches(kind, pattern, routingKey string) bool {
	switch kind {
	case broker.ExchangeFanout:
		return true
	case broker.ExchangeDirect:
		return pattern == routingKey
	default:
		return topicMatches(strings.Split(pattern, "."), strings.Split(routingKey, "."))
	}
}

// topicMatches applies AMQP topic rules: "*" matches exactly one word and
// "#" matches zero or more words.
func topicMatches(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if topicMatches(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}
