// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package logger is a small glog-style leveled logger: call sites are
// gated by a package-global verbosity so hot paths (the reactor loop, the
// task engine) can carry detailed tracing that costs nothing when turned
// down, with the file/JSON/mlog backends trimmed away and only the
// call-site idiom kept.
package logger

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Level mirrors glog's named verbosity tiers.
type Level int32

const (
	Error Level = iota
	Warn
	Info
	Debug
	Detail
)

func (l Level) String() string {
	switch l {
	case Error:
		return "ERROR"
	case Warn:
		return "WARN"
	case Info:
		return "INFO"
	case Debug:
		return "DEBUG"
	case Detail:
		return "DETAIL"
	default:
		return "?"
	}
}

var verbosity int32 = int32(Info)

// SetV sets the global verbosity threshold; call sites at or below it are
// printed.
func SetV(v Level) { atomic.StoreInt32(&verbosity, int32(v)) }

// GetV returns the current verbosity threshold.
func GetV() Level { return Level(atomic.LoadInt32(&verbosity)) }

var std = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

// Verbose is a verbosity gate: call sites read
// `logger.V(logger.Debug).Infof("...")`.
type Verbose Level

// V constructs a gate at the given level.
func V(l Level) Verbose { return Verbose(l) }

func (v Verbose) ok() bool { return Level(v) <= GetV() }

// Infof logs at the gate's level if verbosity allows it.
func (v Verbose) Infof(format string, args ...interface{}) {
	if v.ok() {
		std.Output(2, fmt.Sprintf("["+Level(v).String()+"] "+format, args...))
	}
}

// Errorf always logs, regardless of verbosity.
func Errorf(format string, args ...interface{}) {
	std.Output(2, fmt.Sprintf("[ERROR] "+format, args...))
}

// Warnf logs at Warn and above.
func Warnf(format string, args ...interface{}) {
	if Warn <= GetV() {
		std.Output(2, fmt.Sprintf("[WARN] "+format, args...))
	}
}

// Infof logs at Info and above, the common case.
func Infof(format string, args ...interface{}) {
	if Info <= GetV() {
		std.Output(2, fmt.Sprintf("[INFO] "+format, args...))
	}
}
