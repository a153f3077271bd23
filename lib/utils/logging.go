/*
Copyright 2026 The tkeyfido Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package utils holds small ambient helpers shared by cmd/tkey-fido-device
// and cmd/tkey-fido-agent: logging setup and CLI error presentation,
// adapted from the teacher's lib/utils/cli.go idiom.
package utils

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// LoggingPurpose selects the output destination and formatter InitLogger
// configures.
type LoggingPurpose int

const (
	LoggingForDaemon LoggingPurpose = iota
	LoggingForCLI
)

// InitLogger configures the global logrus logger for a given purpose and
// verbosity level, matching the teacher's split between a quiet CLI
// (discarding logs unless debug was requested) and a daemon that always
// logs to stderr.
func InitLogger(purpose LoggingPurpose, level logrus.Level) {
	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	logrus.SetLevel(level)
	switch purpose {
	case LoggingForCLI:
		if level == logrus.DebugLevel {
			logrus.SetFormatter(textFormatter())
			logrus.SetOutput(os.Stderr)
		} else {
			logrus.SetOutput(io.Discard)
		}
	case LoggingForDaemon:
		logrus.SetFormatter(textFormatter())
		logrus.SetOutput(os.Stderr)
	}
}

// NewLogger creates a standalone logger (used where a package wants its own
// *logrus.Logger rather than touching the global one, e.g. tests).
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(textFormatter())
	return logger
}

func textFormatter() *logrus.TextFormatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
}

// FatalError prints a user-facing rendering of err to stderr and exits 1.
// Meant for cmd/ mains only; library code must never call this.
func FatalError(err error) {
	fmt.Fprintln(os.Stderr, UserMessageFromError(err))
	os.Exit(1)
}

// UserMessageFromError renders err for a terminal: a debug report if the
// logger is at debug level, otherwise a colored one-line summary that
// unwraps gravitational/trace's message stack.
func UserMessageFromError(err error) string {
	if err == nil {
		return ""
	}
	if logrus.GetLevel() == logrus.DebugLevel {
		return trace.DebugReport(err)
	}
	var buf bytes.Buffer
	fmt.Fprint(&buf, Color(Red, "ERROR: "))
	formatErrorWriter(err, &buf)
	return strings.TrimRight(buf.String(), "\n")
}

func formatErrorWriter(err error, w io.Writer) {
	if traceErr, ok := err.(*trace.TraceErr); ok {
		for _, message := range traceErr.Messages {
			fmt.Fprintln(w, message)
		}
		fmt.Fprintln(w, trace.Unwrap(traceErr).Error())
		return
	}
	fmt.Fprintln(w, err.Error())
}

const (
	Red    = 31
	Yellow = 33
	Gray   = 37
)

// Color wraps v in a terminal escape sequence for the given color code.
func Color(color int, v interface{}) string {
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", color, v)
}

// InitCLIParser configures a kingpin application the way every tkeyfido
// binary does: repeatable flags and a hidden, env-var-free help flag.
func InitCLIParser(appName, appHelp string) *kingpin.Application {
	app := kingpin.New(appName, appHelp)
	app.AllRepeatable(true)
	app.HelpFlag.Hidden()
	app.HelpFlag.NoEnvar()
	return app
}

// GetIterations returns the repeat count set in the TKEYFIDO_TEST_ITERATIONS
// environment variable, defaulting to 1; it panics if the value is not an
// integer.
func GetIterations() int {
	out := os.Getenv("TKEYFIDO_TEST_ITERATIONS")
	if out == "" {
		return 1
	}
	iter, err := strconv.Atoi(out)
	if err != nil {
		panic(err)
	}
	return iter
}
