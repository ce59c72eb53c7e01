// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

/*
Package logger provides structured JSON logging for MeterFlow components.

Log entries are written to stdout as single-line JSON so they can be
shipped to CloudWatch, ELK, or any other log aggregation system without
a parsing stage. Each entry carries the component name, instance id,
container name, and the user and request ids of the metered call it
relates to.

Create a logger for your component:

	log := logger.New("meterd")

Log messages with user and request context:

	log.Info("user-123", "req-456", "usage recorded", map[string]interface{}{
	    "provider": "openai",
	    "cost_usd": 0.0042,
	})

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
