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

// Package metrics centralizes the registration of every counter and meter
// the node exposes: RPC traffic/backpressure, task-engine throughput, and
// process-level resource gauges.
package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"runtime"
	"time"

	gometrics "github.com/rcrowley/go-metrics"

	"github.com/boson-network/boson/logger"
)

// reg is the metrics destination.
var reg = gometrics.NewRegistry()

// RPC transport counters.
var (
	RPCSent          = gometrics.NewRegisteredMeter("rpc.sent", reg)
	RPCReceived      = gometrics.NewRegisteredMeter("rpc.received", reg)
	RPCSentBytes     = gometrics.NewRegisteredMeter("rpc.sent.bytes", reg)
	RPCReceivedBytes = gometrics.NewRegisteredMeter("rpc.received.bytes", reg)
	RPCTimeout       = gometrics.NewRegisteredMeter("rpc.timeout", reg)
	RPCThrottled     = gometrics.NewRegisteredMeter("rpc.throttled", reg)
	RPCDroppedSpam   = gometrics.NewRegisteredMeter("rpc.dropped.spam", reg)
	RPCDroppedBad    = gometrics.NewRegisteredMeter("rpc.dropped.malformed", reg)
	RPCSuspicious    = gometrics.NewRegisteredMeter("rpc.suspicious", reg)
)

// Task-engine counters.
var (
	TaskStarted  = gometrics.NewRegisteredMeter("task.started", reg)
	TaskFinished = gometrics.NewRegisteredMeter("task.finished", reg)
	TaskCanceled = gometrics.NewRegisteredMeter("task.canceled", reg)
	TaskTimeout  = gometrics.NewRegisteredTimer("task.duration", reg)
)

// Storage-tier counters.
var (
	StoragePurged  = gometrics.NewRegisteredMeter("storage.purged", reg)
	StorageEntries = gometrics.GetOrRegisterGauge("storage.entries", reg)
)

// Process resource gauges.
var (
	MemAllocs = gometrics.GetOrRegisterGauge("memory/allocs", reg)
	MemFrees  = gometrics.GetOrRegisterGauge("memory/frees", reg)
	MemInuse  = gometrics.GetOrRegisterGauge("memory/inuse", reg)
	MemPauses = gometrics.GetOrRegisterGauge("memory/pauses", reg)

	DiskReads      = gometrics.GetOrRegisterGauge("disk/readcount", reg)
	DiskReadBytes  = gometrics.GetOrRegisterGauge("disk/readdata", reg)
	DiskWrites     = gometrics.GetOrRegisterGauge("disk/writecount", reg)
	DiskWriteBytes = gometrics.GetOrRegisterGauge("disk/writedata", reg)
)

// diskStats is the per process disk I/O statistics.
type diskStats struct {
	ReadCount  int64 // Number of read operations executed
	ReadBytes  int64 // Total number of bytes read
	WriteCount int64 // Number of write operations executed
	WriteBytes int64 // Total number of byte written
}

// Collect writes metrics to the given file as newline-delimited JSON,
// sampling process resource usage every 3 seconds.
func Collect(file string) {
	f, err := os.OpenFile(file, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0666)
	if err != nil {
		logger.Errorf("metrics: open %q: %v", file, err)
		return
	}
	defer f.Close()

	encoder := json.NewEncoder(bufio.NewWriter(f))

	for range time.Tick(3 * time.Second) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		MemAllocs.Update(int64(mem.Mallocs))
		MemFrees.Update(int64(mem.Frees))
		MemInuse.Update(int64(mem.Alloc))
		MemPauses.Update(int64(mem.PauseTotalNs))

		var disk diskStats
		readDiskStats(&disk)
		DiskReads.Update(disk.ReadCount)
		DiskReadBytes.Update(disk.ReadBytes)
		DiskWrites.Update(disk.WriteCount)
		DiskWriteBytes.Update(disk.WriteBytes)

		if err := encoder.Encode(reg); err != nil {
			logger.Warnf("metrics: log to %q: %v", file, err)
		}
	}
}
