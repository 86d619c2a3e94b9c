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

package log

import (
	"fmt"
	"io"
	glog "log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

var DefaultLogConfig = &LogConfig{
	Level:  "info",
	Format: "console",
	Color:  false,
}

var (
	mu      sync.Mutex
	loggers = make(map[string]*LogHandle)
)

var logWriter io.Writer = os.Stderr

func logStderr(msg string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, msg, args...)
}

// RotateConfig controls rotation of file based logs.
type RotateConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var DefaultRotateConfig = RotateConfig{
	MaxSizeMB:  100,
	MaxBackups: 5,
	MaxAgeDays: 28,
	Compress:   true,
}

// InitLoggerRedirect points every logger at the named target: "stderr" (or
// empty), "syslog", or a file path. File targets are rotated and, on unix,
// stderr is redirected into the same file so panics end up next to the logs.
func InitLoggerRedirect(logFileName string) error {
	switch logFileName {
	case "", "stderr", "/dev/stderr":
		logWriter = os.Stderr
		return nil
	case "syslog":
		w, err := InitSyslog()
		if err != nil {
			return fmt.Errorf("open syslog: %w", err)
		}
		logWriter = w
		return nil
	}

	lf, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return fmt.Errorf("open log file %v: %w", logFileName, err)
	}
	if err = redirectStderr(lf); err != nil {
		logStderr("Couldn't redirect STDERR to the log file %v\n", logFileName)
	}
	_ = lf.Close()

	logWriter = &lumberjack.Logger{
		Filename:   logFileName,
		MaxSize:    DefaultRotateConfig.MaxSizeMB,
		MaxBackups: DefaultRotateConfig.MaxBackups,
		MaxAge:     DefaultRotateConfig.MaxAgeDays,
		Compress:   DefaultRotateConfig.Compress,
	}
	return nil
}

// SetOutput replaces the writer used by loggers created afterwards and
// reconfigures the existing ones.
func SetOutput(w io.Writer) {
	mu.Lock()
	logWriter = w
	mu.Unlock()
	SetLoggersConfig(DefaultLogConfig)
}

func SetLoggersConfig(config *LogConfig) {
	mu.Lock()
	defer mu.Unlock()

	for k, l := range loggers {
		nl := NewLogger(config, l.name, config.Color, logWriter)
		loggers[k].Logger = nl.Logger
	}
}

type LogHandle struct {
	*zerolog.Logger

	name string
}

// Log satisfies aws.Logger.
func (l *LogHandle) Log(args ...interface{}) {
	l.Debug().CallerSkipFrame(1).Msg(fmt.Sprint(args...))
}

func (l *LogHandle) Infof(msg string, args ...interface{}) {
	l.Info().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Errorf(msg string, args ...interface{}) {
	l.Error().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Warnf(msg string, args ...interface{}) {
	l.Warn().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Debugf(msg string, args ...interface{}) {
	l.Debug().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Name() string {
	return l.name
}

func (l *LogHandle) IsLevelEnabled(level zerolog.Level) bool {
	return l.GetLevel() <= level
}

func (l *LogHandle) SetLevel(level zerolog.Level) {
	*l.Logger = l.Level(level)
}

// E logs err when it is not nil and reports whether it did.
func (l *LogHandle) E(err error) bool {
	if err == nil {
		return false
	}

	l.Error().CallerSkipFrame(1).Msg(err.Error())

	return true
}

func GetLogger(name string) *LogHandle {
	mu.Lock()
	defer mu.Unlock()

	logger, ok := loggers[name]
	if !ok {
		logger = NewLogger(DefaultLogConfig, name, DefaultLogConfig.Color, logWriter)
		loggers[name] = logger
	}

	return logger
}

func GetStdLogger(l *zerolog.Logger) *glog.Logger {
	return glog.New(l, "", 0)
}

type LogConfig struct {
	Level      string
	Format     string
	Color      bool
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"`
}

func consoleFormatCallerWithModule(i any, module string) string {
	var c string
	if cc, ok := i.(string); ok {
		c = cc
	}
	if len(c) > 0 {
		l := strings.Split(c, "/")
		if len(l) == 1 {
			return module + " " + l[0]
		}
		return module + " " + l[len(l)-2] + "/" + l[len(l)-1]
	}
	return module
}

func NewLogger(config *LogConfig, module string, colorized bool, writer io.Writer) *LogHandle {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if config.Format == "console" {
		output := zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.StampMicro,
		}
		output.NoColor = !colorized
		output.FormatCaller = func(i any) string {
			return consoleFormatCallerWithModule(i, module)
		}
		logger = zerolog.New(output).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(2).Stack().Logger()
	} else {
		logger = zerolog.New(writer).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(2).Stack().
			Str("module", module).Logger()
	}

	if config.SampleRate > 0 && config.SampleRate < 1 {
		logger = logger.Sample(&zerolog.BasicSampler{N: uint32(1 / config.SampleRate)})
	}

	return &LogHandle{Logger: &logger, name: module}
}

// DumpLoggers writes the level of every registered logger to w.
func DumpLoggers(w io.Writer, name string) {
	mu.Lock()
	defer mu.Unlock()

	names := make([]string, 0, len(loggers))
	for k := range loggers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		_, _ = fmt.Fprintf(w, "%v Logger %v: %v\n", name, k, loggers[k].GetLevel().String())
	}
}
