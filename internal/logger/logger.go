// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger is PgFuse's sole logging surface: syslog only, per
// spec.md §6's "no stdout/stderr beyond argument errors". Like the
// teacher's internal/logger package, it exposes package-level functions
// over one shared writer rather than threading a logger object through
// every call site.
package logger

import (
	"fmt"
	"sync"

	"github.com/RackSec/srslog"
)

var (
	mu      sync.Mutex
	writer  *srslog.Writer
	verbose bool
)

// Init dials the local syslog daemon, tagging every message "pgfuse".
// debug gates Debugf; Infof/Warnf/Errorf are always emitted.
func Init(debug bool) error {
	w, err := srslog.New(srslog.LOG_INFO|srslog.LOG_DAEMON, "pgfuse")
	if err != nil {
		return fmt.Errorf("connecting to syslog: %w", err)
	}

	mu.Lock()
	writer = w
	verbose = debug
	mu.Unlock()
	return nil
}

// Close releases the syslog connection. Safe to call even if Init was never
// called.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if writer != nil {
		_ = writer.Close()
		writer = nil
	}
}

func current() (*srslog.Writer, bool) {
	mu.Lock()
	defer mu.Unlock()
	return writer, verbose
}

// Debugf logs at debug severity; only emitted when Init was called with
// debug=true (the CLI's -v flag).
func Debugf(format string, args ...any) {
	w, v := current()
	if w == nil || !v {
		return
	}
	_ = w.Debug(fmt.Sprintf(format, args...))
}

// Infof logs at informational severity.
func Infof(format string, args ...any) {
	if w, _ := current(); w != nil {
		_ = w.Info(fmt.Sprintf(format, args...))
	}
}

// Warnf logs at warning severity.
func Warnf(format string, args ...any) {
	if w, _ := current(); w != nil {
		_ = w.Warning(fmt.Sprintf(format, args...))
	}
}

// Errorf logs at error severity.
func Errorf(format string, args ...any) {
	if w, _ := current(); w != nil {
		_ = w.Err(fmt.Sprintf(format, args...))
	}
}
