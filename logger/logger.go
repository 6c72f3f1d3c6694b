package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	AppLogger   *log.Logger
	ProxyLogger *log.Logger
	ErrorLogger *log.Logger

	mu           sync.RWMutex
	logLevel     string
	appLogFile   *os.File
	proxyLogFile *os.File
	initialized  bool
)

var levelRank = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
}

func normalizeLevel(level string) string {
	level = strings.ToUpper(strings.TrimSpace(level))
	if _, ok := levelRank[level]; !ok {
		return "INFO"
	}
	return level
}

// openLogFile returns a writer for path, or io.Discard when the file cannot be opened.
func openLogFile(path, kind string) (io.Writer, *os.File, string) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		ErrorLogger.Printf("Failed to create %s log directory %s: %v. %s logs will be discarded.", kind, dir, err, kind)
		return io.Discard, nil, "(discarded)"
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		ErrorLogger.Printf("Failed to open %s log file %s: %v. %s logs will be discarded.", kind, path, err, kind)
		return io.Discard, nil, "(discarded)"
	}
	return f, f, path
}

func InitGlobalLoggers(appLogPath, proxyLogPath, level string) error {
	mu.Lock()
	defer mu.Unlock()

	normalized := normalizeLevel(level)
	if initialized && appLogFile != nil && proxyLogFile != nil && normalized == logLevel {
		return nil
	}
	if appLogFile != nil {
		appLogFile.Close()
		appLogFile = nil
	}
	if proxyLogFile != nil {
		proxyLogFile.Close()
		proxyLogFile = nil
	}

	logLevel = normalized
	ErrorLogger = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)

	appWriter, appFile, appDest := openLogFile(appLogPath, "app")
	appLogFile = appFile
	AppLogger = log.New(appWriter, "APP: ", log.Ldate|log.Ltime|log.Lshortfile)

	proxyWriter, proxyFile, proxyDest := openLogFile(proxyLogPath, "proxy")
	proxyLogFile = proxyFile
	ProxyLogger = log.New(proxyWriter, "PROXY: ", log.Ldate|log.Ltime|log.Lshortfile)

	if !initialized {
		AppLogger.Printf("App logger initialized. Log level: %s. Output file: %s", logLevel, appDest)
		ProxyLogger.Printf("Proxy logger initialized. Log level: %s. Output file: %s", logLevel, proxyDest)
	}
	initialized = true
	return nil
}

// SetLevel changes the active level without reopening log files.
func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()
	logLevel = normalizeLevel(level)
}

// Level returns the active level.
func Level() string {
	mu.RLock()
	defer mu.RUnlock()
	if logLevel == "" {
		return "INFO"
	}
	return logLevel
}

func enabled(level string) bool {
	return levelRank[Level()] <= levelRank[level]
}

func Debug(format string, v ...interface{}) {
	if AppLogger != nil && enabled("DEBUG") {
		AppLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

func Info(format string, v ...interface{}) {
	if AppLogger != nil && enabled("INFO") {
		AppLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

func Warn(format string, v ...interface{}) {
	if AppLogger != nil && enabled("WARN") {
		AppLogger.Output(2, "WARN: "+fmt.Sprintf(format, v...))
	}
}

func Error(format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	if ErrorLogger != nil {
		ErrorLogger.Output(2, message)
	}
	if AppLogger != nil && appLogFile != nil {
		AppLogger.Output(2, message)
	}
}

func Fatal(format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	if ErrorLogger != nil {
		ErrorLogger.Fatal(message)
	} else {
		log.Fatal(message)
	}
}

func ProxyInfo(format string, v ...interface{}) {
	if ProxyLogger != nil && enabled("INFO") {
		ProxyLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

func ProxyDebug(format string, v ...interface{}) {
	if ProxyLogger != nil && enabled("DEBUG") {
		ProxyLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

func ProxyError(format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	if ErrorLogger != nil {
		ErrorLogger.Output(2, message)
	}
	if ProxyLogger != nil && proxyLogFile != nil {
		ProxyLogger.Output(2, message)
	}
}

func CloseLogFiles() {
	mu.Lock()
	defer mu.Unlock()
	if appLogFile != nil {
		AppLogger.Println("Closing app log file.")
		appLogFile.Close()
		appLogFile = nil
	}
	if proxyLogFile != nil {
		ProxyLogger.Println("Closing proxy log file.")
		proxyLogFile.Close()
		proxyLogFile = nil
	}
	initialized = false
}
