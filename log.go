package websocket

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// defaultLogger discards everything unless WS_LOG=1, in which case debug
// output goes to stdout or to the file named by WS_LOG_FILE.
var defaultLogger = sync.OnceValues(func() (*zap.Logger, error) {
	if os.Getenv("WS_LOG") != "1" {
		return zap.NewNop(), nil
	}

	cfg := zap.NewDevelopmentConfig()
	if path := os.Getenv("WS_LOG_FILE"); path != "" {
		cfg.OutputPaths = []string{path}
	}

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop(), fmt.Errorf("failed to build logger: [%w]", err)
	}

	return l, nil
})

func loggerOrDefault(l *zap.Logger) (*zap.SugaredLogger, error) {
	if l != nil {
		return l.Sugar(), nil
	}

	l, err := defaultLogger()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
