// Package debuglog is the library's stderr logger. Debug output is gated by
// RTMFP_DEBUG=1 and drained by a single goroutine so the socket dispatch
// path never blocks on a slow terminal; trace output additionally needs
// RTMFP_TRACE=1.
package debuglog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const queueSize = 2048

type logger struct {
	once sync.Once
	ch   chan string
}

var (
	global  logger
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func debugEnabled() bool {
	return os.Getenv("RTMFP_DEBUG") == "1"
}

func traceEnabled() bool {
	return debugEnabled() && os.Getenv("RTMFP_TRACE") == "1"
}

func (l *logger) start() {
	l.once.Do(func() {
		l.ch = make(chan string, queueSize)
		go func() {
			for msg := range l.ch {
				_, _ = os.Stderr.WriteString(msg)
			}
		}()
	})
}

func Logf(format string, args ...any) {
	msg := fmt.Sprintf(format+"\n", args...)
	if !debugEnabled() {
		_, _ = os.Stderr.WriteString(msg)
		return
	}
	global.start()
	select {
	case global.ch <- msg:
	default:
		// Drop when saturated to keep the dispatch goroutine non-blocking.
	}
}

func Debugf(format string, args ...any) {
	if !debugEnabled() {
		return
	}
	Logf(format, args...)
}

func Tracef(format string, args ...any) {
	if !traceEnabled() {
		return
	}
	Logf(format, args...)
}

// RateLimitedf logs at most once per interval per key. Used on hot paths
// such as socket errors and short or unknown frames.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !debugEnabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Logf(format, args...)
}
