// Copyright 2024 The gVisor Authors.
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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// BuildPath replaces the variables supported in log file patterns:
//   - %TIMESTAMP%: the current time, formatted as 20060102-150405.000000.
//   - %PID%: the current process ID.
//
// If logPattern ends with '/', it is used as a directory and a default file
// name is appended.
func BuildPath(logPattern string, now time.Time) string {
	if strings.HasSuffix(logPattern, "/") {
		logPattern += "mdevctl.log.%TIMESTAMP%"
	}
	logPattern = strings.ReplaceAll(logPattern, "%TIMESTAMP%", now.Format("20060102-150405.000000"))
	return strings.ReplaceAll(logPattern, "%PID%", strconv.Itoa(os.Getpid()))
}

// OpenFile opens the log file described by logPattern, creating parent
// directories as needed. An empty pattern returns a nil file.
func OpenFile(logPattern string, flags int) (*os.File, error) {
	if len(logPattern) == 0 {
		return nil, nil
	}
	logPath := BuildPath(logPattern, time.Now())

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %v", dir, err)
	}
	f, err := os.OpenFile(logPath, flags, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %v", logPath, err)
	}
	return f, nil
}
