package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	instanceID     string
	instanceIDOnce sync.Once

	// Async logging channel and worker
	logChan   chan entry
	logWorker sync.Once
	logWg     sync.WaitGroup
	logMu     sync.Mutex

	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sink   = newSink(os.Stderr, "text")
	sinkMu sync.RWMutex
)

type entry struct {
	lvl zapcore.Level
	msg string
}

func newSink(w io.Writer, format string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), level))
}

// Configure sets the level threshold ("debug", "info", "warn", "error") and
// output format ("text" or "json").
func Configure(lvl, format string) {
	SetLevel(lvl)
	SetOutput(os.Stderr, format)
}

// SetLevel changes the level threshold. Unknown names leave it unchanged.
func SetLevel(lvl string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(lvl))); err == nil {
		level.SetLevel(l)
	}
}

// DebugEnabled reports whether debug messages are written.
func DebugEnabled() bool {
	return level.Enabled(zapcore.DebugLevel)
}

// SetOutput redirects log output. Pending messages are flushed first.
func SetOutput(w io.Writer, format string) {
	Flush()
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sink = newSink(w, format)
}

// runWorker drains the async channel into the sink.
func runWorker(ch <-chan entry) {
	defer logWg.Done()
	for e := range ch {
		write(e)
	}
}

func write(e entry) {
	sinkMu.RLock()
	l := sink
	sinkMu.RUnlock()
	if ce := l.Check(e.lvl, e.msg); ce != nil {
		ce.Write(zap.String("instance", GetInstanceID()))
	}
}

// initLogWorker starts the async log worker goroutine
func initLogWorker() {
	logMu.Lock()
	defer logMu.Unlock()

	logWorker.Do(func() {
		// Buffer size: 1000 messages
		logChan = make(chan entry, 1000)
		logWg.Add(1)
		go runWorker(logChan)
	})
}

// GetInstanceID returns the unique id of this broker instance
func GetInstanceID() string {
	instanceIDOnce.Do(func() {
		instanceID = os.Getenv("RELAY_INSTANCE_ID")
		if instanceID == "" {
			instanceID = os.Getenv("POD_NAME")
		}
		if instanceID == "" {
			instanceID = os.Getenv("HOSTNAME")
		}
		if instanceID == "" {
			hostname, _ := os.Hostname()
			if hostname != "" {
				instanceID = hostname
			} else {
				instanceID = "relay-" + uuid.NewString()[:8]
			}
		}
	})
	return instanceID
}

func enqueue(lvl zapcore.Level, msg string) {
	if !level.Enabled(lvl) {
		return
	}
	initLogWorker()
	e := entry{lvl: lvl, msg: msg}

	logMu.Lock()
	defer logMu.Unlock()
	if logChan == nil {
		write(e)
		return
	}
	// Non-blocking send: if the channel is full, log synchronously
	select {
	case logChan <- e:
	default:
		write(e)
	}
}

// Logf logs a formatted info message (async, non-blocking)
func Logf(format string, v ...interface{}) {
	enqueue(zapcore.InfoLevel, fmt.Sprintf(format, v...))
}

// Log logs an info message (async, non-blocking)
func Log(v ...interface{}) {
	enqueue(zapcore.InfoLevel, fmt.Sprint(v...))
}

// Debugf logs a formatted debug message
func Debugf(format string, v ...interface{}) {
	enqueue(zapcore.DebugLevel, fmt.Sprintf(format, v...))
}

// Warnf logs a formatted warning
func Warnf(format string, v ...interface{}) {
	enqueue(zapcore.WarnLevel, fmt.Sprintf(format, v...))
}

// Errorf logs a formatted error
func Errorf(format string, v ...interface{}) {
	enqueue(zapcore.ErrorLevel, fmt.Sprintf(format, v...))
}

// Fatalf logs a fatal error and exits (synchronous for fatal errors)
func Fatalf(format string, v ...interface{}) {
	Flush()
	sinkMu.RLock()
	l := sink
	sinkMu.RUnlock()
	l.Fatal(fmt.Sprintf(format, v...), zap.String("instance", GetInstanceID()))
}

// Flush waits for all pending log messages to be written
func Flush() {
	logMu.Lock()
	defer logMu.Unlock()

	if logChan != nil {
		close(logChan)
		logWg.Wait()
		logChan = nil
		logWorker = sync.Once{}
	}
	sinkMu.RLock()
	_ = sink.Sync()
	sinkMu.RUnlock()
}
