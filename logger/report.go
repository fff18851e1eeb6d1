package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsIngest  int64
	errorsQuery   int64
	warnsIngest   int64
	warnsQuery    int64
	rowsIngested  int64
	seriesBuilds  int64
	exportWrites  int64
	exportedBytes int64
	channels      sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "ingest") || strings.Contains(component, "reader") {
		atomic.AddInt64(&warnsIngest, 1)
	} else {
		atomic.AddInt64(&warnsQuery, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "ingest") || strings.Contains(component, "reader") {
		atomic.AddInt64(&errorsIngest, 1)
	} else {
		atomic.AddInt64(&errorsQuery, 1)
	}
}

func AddRowsIngested(n int) {
	atomic.AddInt64(&rowsIngested, int64(n))
	recordChannel("ingest_rows", n)
}

func IncrementSeriesBuild(points int) {
	atomic.AddInt64(&seriesBuilds, 1)
	recordChannel("series_build", points)
}

func IncrementExportWrite(size int64) {
	atomic.AddInt64(&exportWrites, 1)
	atomic.AddInt64(&exportedBytes, size)
	recordChannel("export_write", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// ErrorCount returns the total number of errors recorded since the last reset.
func ErrorCount() int64 {
	return atomic.LoadInt64(&errorsIngest) + atomic.LoadInt64(&errorsQuery)
}

// ResetErrorCount clears the error and warning counters. Intended for tests.
func ResetErrorCount() {
	atomic.StoreInt64(&errorsIngest, 0)
	atomic.StoreInt64(&errorsQuery, 0)
	atomic.StoreInt64(&warnsIngest, 0)
	atomic.StoreInt64(&warnsQuery, 0)
}

// StartReport periodically emits an aggregate activity report. It runs until
// the context is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				emitReport(log)
			}
		}
	}()
}

func emitReport(log *Log) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fields := Fields{
		"rows_ingested":  atomic.LoadInt64(&rowsIngested),
		"series_builds":  atomic.LoadInt64(&seriesBuilds),
		"export_writes":  atomic.LoadInt64(&exportWrites),
		"exported_bytes": atomic.LoadInt64(&exportedBytes),
		"errors_ingest":  atomic.LoadInt64(&errorsIngest),
		"errors_query":   atomic.LoadInt64(&errorsQuery),
		"warns_ingest":   atomic.LoadInt64(&warnsIngest),
		"warns_query":    atomic.LoadInt64(&warnsQuery),
		"error_count":    ErrorCount(),
		"heap_alloc":     mem.HeapAlloc,
		"heap_objects":   mem.HeapObjects,
		"num_gc":         mem.NumGC,
		"goroutines":     runtime.NumGoroutine(),
	}

	channels.Range(func(k, v interface{}) bool {
		cs := v.(*channelStat)
		name := k.(string)
		fields[name+"_messages"] = atomic.LoadInt64(&cs.messages)
		fields[name+"_bytes"] = atomic.LoadInt64(&cs.bytes)
		return true
	})

	log.WithComponent("report").WithFields(fields).Info("activity report")
}
