// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

// meterd is the usage metering and enforcement service. It records per-call
// usage events, maintains billing-period aggregates, evaluates plan limits
// before upstream calls, and fires threshold alerts.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "meterd: %v\n", err)
		os.Exit(1)
	}
}
