package logger

import (
	"go.uber.org/zap"

	"github.com/regenlab/regencache/types"
)

// NewNopLogger returns a logger that discards everything. Used by tests
// and as a fallback before configuration is loaded.
func NewNopLogger() types.Logger {
	return NewZapWrapper(zap.NewNop())
}
