package statement

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Estimator estimates the encoded size of statements and rows. It is
// used for batch sizing and byte-rate limiting.
type Estimator interface {
	EstimateStatement(s *Statement) (int64, error)
	EstimateRow(r Row) (int64, error)
}

// EstimateSize returns the estimated size of s. Estimation failures,
// including panics, count as size 0 and are logged.
func EstimateSize(e Estimator, s *Statement, log *zap.Logger) (size int64) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("statement size estimation panicked", zap.Any("panic", r))
			size = 0
		}
	}()
	n, err := e.EstimateStatement(s)
	if err != nil {
		log.Warn("statement size estimation failed", zap.Error(err))
		return 0
	}
	return n
}

// EstimateRowSize returns the estimated size of r, 0 on failure
func EstimateRowSize(e Estimator, r Row, log *zap.Logger) (size int64) {
	defer func() {
		if p := recover(); p != nil {
			log.Warn("row size estimation panicked", zap.Any("panic", p))
			size = 0
		}
	}()
	n, err := e.EstimateRow(r)
	if err != nil {
		log.Warn("row size estimation failed", zap.Error(err))
		return 0
	}
	return n
}

// DefaultEstimator sizes statements by query text plus argument
// payloads and rows by their value payloads.
type DefaultEstimator struct{}

func (DefaultEstimator) EstimateStatement(s *Statement) (int64, error) {
	n := int64(len(s.Query))
	for _, a := range s.Args {
		sz, err := valueSize(a)
		if err != nil {
			return 0, err
		}
		n += sz
	}
	return n, nil
}

func (DefaultEstimator) EstimateRow(r Row) (int64, error) {
	var n int64
	for _, v := range r.Values {
		sz, err := valueSize(v)
		if err != nil {
			return 0, err
		}
		n += sz
	}
	return n, nil
}

func valueSize(v interface{}) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case string:
		return int64(len(x)), nil
	case []byte:
		return int64(len(x)), nil
	case bool, int8, uint8:
		return 1, nil
	case int16, uint16:
		return 2, nil
	case int32, uint32, float32:
		return 4, nil
	case int, int64, uint, uint64, float64:
		return 8, nil
	case time.Time:
		return 8, nil
	case fmt.Stringer:
		return int64(len(x.String())), nil
	default:
		return 0, errors.Newf("cannot estimate size of %T", v)
	}
}
