// Copyright 2015 - 2017 Ka-Hing Cheung
// Copyright 2021 Yandex LLC
// Copyright 2024 Tigris Data, Inc.
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

package cfg

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/valandreev/sitecache/lib"
	"github.com/valandreev/sitecache/log"
)

// InitLoggers points the module loggers (main, http, worker, host, cache-*)
// at --log-file and applies --log-level and --log-format. A bad level or
// format fails startup instead of quietly logging at info.
func InitLoggers(flags *FlagStorage) error {
	level := strings.ToLower(strings.TrimSpace(flags.LogLevel))
	if level == "" {
		level = "info"
	}
	if _, err := zerolog.ParseLevel(level); err != nil {
		return fmt.Errorf("--log-level %q: %w", flags.LogLevel, err)
	}

	format := strings.ToLower(flags.LogFormat)
	switch format {
	case "", "console", "json":
	default:
		return fmt.Errorf("--log-format %q: want console or json", flags.LogFormat)
	}

	target := flags.LogFile
	if target == "" {
		target = "stderr"
	}
	if err := log.InitLoggerRedirect(target); err != nil {
		return err
	}

	// Rotated files and syslog are read by tools, so they stay json unless asked.
	if format == "" && target == "stderr" && (lib.IsTTY(os.Stdout) || lib.IsTTY(os.Stderr)) {
		format = "console"
	}

	log.DefaultLogConfig = &log.LogConfig{
		Level:  level,
		Format: format,
		Color:  format == "console" && !flags.NoLogColor,
	}
	log.SetLoggersConfig(log.DefaultLogConfig)
	return nil
}
