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

package logger_test

import (
	"testing"

	"github.com/pgfuse/pgfuse/internal/logger"
)

// Before Init is ever called (or after Close), every logging call must be a
// silent no-op rather than a nil-pointer panic, since callers log without
// checking whether syslog was ever reached.
func TestLogFunctionsAreNoOpsWithoutInit(t *testing.T) {
	logger.Close()
	logger.Debugf("unreachable %d", 1)
	logger.Infof("unreachable %d", 1)
	logger.Warnf("unreachable %d", 1)
	logger.Errorf("unreachable %d", 1)
}
