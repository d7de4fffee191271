package disco

import "go.uber.org/zap"

// lg is the package-level structured logger.
var lg *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	lg = logger.Sugar()
}

// SetLogger lets an embedder supply its own *zap.Logger (e.g. a
// development logger with debug level enabled).
func SetLogger(logger *zap.Logger) {
	lg = logger.Sugar()
}
