// File: control/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package control is the configuration, metrics and debug introspection layer
// of the fiber runtime.
//
// It provides:
//   - ConfigStore: a snapshot map plus typed variables with change listeners
//   - Loader: viper backed file and HIOLOAD_ environment loading with live reload
//   - MetricsRegistry: a Prometheus registry of on-demand runtime gauges
//   - DebugProbes: named state probes for dumps
package control
