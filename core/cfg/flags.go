// Copyright 2015 - 2017 Ka-Hing Cheung
// Copyright 2015 - 2017 Google Inc. All Rights Reserved.
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
	"github.com/urfave/cli"

	"github.com/valandreev/sitecache/pkg/cache"
	"github.com/valandreev/sitecache/pkg/tracing"
)

// Version is set at build time.
var Version = "dev"

const defaultConfigFile = "~/.sitecache/config.yaml"

type FlagStorage struct {
	ConfigFile string

	// Overrides for the config file. Empty means keep the file's value.
	Listen       string
	Origin       string
	DataDir      string
	CacheVersion string
	S3Region     string
	S3Endpoint   string
	S3Profile    string

	LogLevel   string
	LogFormat  string
	LogFile    string
	NoLogColor bool

	TraceEndpoint   string
	TraceProtocol   string
	TraceInsecure   bool
	TraceSampleRate float64
}

func NewApp() (app *cli.App) {
	app = &cli.App{
		Name:    "sitecache",
		Version: Version,
		Usage:   "Offline caching front for a static site",
		Flags: []cli.Flag{
			/////////////////////////
			// Site
			/////////////////////////

			cli.StringFlag{
				Name:   "config, c",
				Value:  defaultConfigFile,
				Usage:  "YAML configuration file. A template is written there when it does not exist.",
				EnvVar: "SITECACHE_CONFIG",
			},

			cli.StringFlag{
				Name:  "listen",
				Usage: "Address to serve pages and the control channel on (overrides listen).",
			},

			cli.StringFlag{
				Name:  "origin",
				Usage: "Site origin, http(s)://host[/prefix] or s3://bucket[/prefix] (overrides origin).",
			},

			cli.StringFlag{
				Name:  "data-dir",
				Usage: "Directory holding the cache index and bodies (overrides data_dir).",
			},

			cli.StringFlag{
				Name:  "cache-version",
				Usage: "Cache version to deploy (overrides cache_version).",
			},

			/////////////////////////
			// S3 origin
			/////////////////////////

			cli.StringFlag{
				Name:  "s3-region",
				Usage: "Region of the origin bucket.",
			},

			cli.StringFlag{
				Name:  "s3-endpoint",
				Usage: "Endpoint of an S3 compatible service.",
			},

			cli.StringFlag{
				Name:  "s3-profile",
				Usage: "Use a named profile from $HOME/.aws/credentials instead of \"default\".",
			},

			/////////////////////////
			// Tracing
			/////////////////////////

			cli.StringFlag{
				Name:   "trace-endpoint",
				Usage:  "OTLP collector host:port for fetch and lifecycle spans. Tracing is off when empty.",
				EnvVar: "SITECACHE_TRACE_ENDPOINT",
			},

			cli.StringFlag{
				Name:  "trace-protocol",
				Value: "http",
				Usage: "OTLP transport: http or grpc.",
			},

			cli.BoolFlag{
				Name:  "trace-insecure",
				Usage: "Talk to the collector without TLS.",
			},

			cli.Float64Flag{
				Name:  "trace-sample-rate",
				Value: 1,
				Usage: "Fraction of requests traced, 0 to 1.",
			},

			/////////////////////////
			// Debugging
			/////////////////////////

			cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "Log level: trace, debug, info, warn, error.",
			},

			cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format: console or json. Console is the default on a terminal.",
			},

			cli.StringFlag{
				Name:  "log-file",
				Usage: "Redirect logs to file, 'stderr' (default) or 'syslog'.",
			},

			cli.BoolFlag{
				Name:  "no-log-color",
				Usage: "Disable colors in console logs.",
			},
		},
	}

	return
}

// PopulateFlags reads parsed command line flags.
func PopulateFlags(c *cli.Context) *FlagStorage {
	return &FlagStorage{
		ConfigFile:   c.String("config"),
		Listen:       c.String("listen"),
		Origin:       c.String("origin"),
		DataDir:      c.String("data-dir"),
		CacheVersion: c.String("cache-version"),
		S3Region:     c.String("s3-region"),
		S3Endpoint:   c.String("s3-endpoint"),
		S3Profile:    c.String("s3-profile"),
		LogLevel:     c.String("log-level"),
		LogFormat:    c.String("log-format"),
		LogFile:      c.String("log-file"),
		NoLogColor:   c.Bool("no-log-color"),

		TraceEndpoint:   c.String("trace-endpoint"),
		TraceProtocol:   c.String("trace-protocol"),
		TraceInsecure:   c.Bool("trace-insecure"),
		TraceSampleRate: c.Float64("trace-sample-rate"),
	}
}

// Apply copies command line overrides into conf and re-validates it.
func (flags *FlagStorage) Apply(conf *cache.Config) error {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&conf.Listen, flags.Listen)
	set(&conf.Origin, flags.Origin)
	set(&conf.DataDir, flags.DataDir)
	set(&conf.CacheVersion, flags.CacheVersion)
	set(&conf.S3.Region, flags.S3Region)
	set(&conf.S3.Endpoint, flags.S3Endpoint)
	set(&conf.S3.Profile, flags.S3Profile)
	return conf.Finalize()
}

// TracingOptions maps the trace flags onto the collector settings.
func (flags *FlagStorage) TracingOptions() tracing.Options {
	return tracing.Options{
		ServiceName: "sitecache",
		Version:     Version,
		Endpoint:    flags.TraceEndpoint,
		Protocol:    flags.TraceProtocol,
		Insecure:    flags.TraceInsecure,
		SampleRate:  flags.TraceSampleRate,
	}
}
