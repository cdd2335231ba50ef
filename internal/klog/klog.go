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

// Package klog is the kernel's logger: a thin wrapper over the
// standard log package exposing a flag-gated, severity-filtered
// *Logger per subsystem, writing through a lumberjack rolling file so
// a long-running mount doesn't grow one log file without bound.
package klog

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity ranks match cfg.LogSeverity.Rank(): 0=TRACE through
// 5=OFF. klog takes a plain int rather than cfg.LogSeverity itself so
// this package doesn't need to import cfg.
const (
	TraceRank = 0
	DebugRank = 1
	InfoRank  = 2
	WarnRank  = 3
	ErrorRank = 4
)

// Config controls where log output goes, how it is rotated, and the
// minimum severity rank that reaches it.
type Config struct {
	// Path is the log file to write to. Empty means stderr only.
	Path string

	MaxSizeMB  int
	MaxBackups int
	Compress   bool

	// MinSeverityRank suppresses any call below this rank. Zero value
	// (TraceRank) lets everything through.
	MinSeverityRank int
}

var (
	mu      sync.Mutex
	current *log.Logger = log.New(os.Stderr, "pintoskernel: ", log.LstdFlags)
	minRank int
)

// Init configures the package-level logger. Subsequent calls to L
// return loggers writing through the new configuration.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	var w io.Writer = os.Stderr
	if cfg.Path != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    maxOr(cfg.MaxSizeMB, 64),
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		})
	}
	current = log.New(w, "pintoskernel: ", log.LstdFlags|log.Lmicroseconds)
	minRank = cfg.MinSeverityRank
}

func maxOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Logger is a subsystem-tagged logger whose Tracef/Debugf/Infof/
// Warnf/Errorf methods drop the message when its rank is below the
// configured minimum instead of writing it.
type Logger struct {
	subsystem string
}

// L returns a logger namespaced with a subsystem tag (e.g. "cache",
// "vm", "syscall") prepended to each message. Severity filtering is
// read fresh from the package config on every call, so a logger
// obtained before Init still honors a later Init's severity.
func L(subsystem string) *Logger {
	return &Logger{subsystem: subsystem}
}

func (l *Logger) log(rank int, format string, args ...any) {
	mu.Lock()
	out, threshold := current, minRank
	mu.Unlock()
	if rank < threshold {
		return
	}
	out.Printf("["+l.subsystem+"] "+format, args...)
}

func (l *Logger) Tracef(format string, args ...any) { l.log(TraceRank, format, args...) }
func (l *Logger) Debugf(format string, args ...any) { l.log(DebugRank, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(InfoRank, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(WarnRank, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(ErrorRank, format, args...) }
