package enricher

import (
	"cmp"
	"context"
	"fmt"
	"math"

	"github.com/nlabh01/brooklyn-server/pkg/entity"
)

// aggregation reduces member values. A nil result publishes nothing.
type aggregation func(ctx context.Context, values []any) (any, error)

var aggregations = map[string]aggregation{
	"sum":     sum,
	"average": average,
	"min":     extreme(-1),
	"max":     extreme(+1),
	"count": func(_ context.Context, values []any) (any, error) {
		return int64(len(values)), nil
	},
	"list": func(_ context.Context, values []any) (any, error) {
		return append([]any{}, values...), nil
	},
}

// numbers converts values to float64. When every value is an integer that
// fits in int64 it also returns them as ints; otherwise ints is nil.
func numbers(values []any) (floats []float64, ints []int64, err error) {
	floats = make([]float64, len(values))
	ints = make([]int64, len(values))
	for i, v := range values {
		if ints != nil {
			if n, ok := asInt64(v); ok {
				ints[i] = n
			} else {
				ints = nil
			}
		}
		f, err := entity.Coerce[float64](v)
		if err != nil {
			return nil, nil, fmt.Errorf("value %d: %w", i, err)
		}
		floats[i] = f
	}
	return floats, ints, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), uint64(n) <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	}
	return 0, false
}

func sum(_ context.Context, values []any) (any, error) {
	floats, ints, err := numbers(values)
	if err != nil {
		return nil, err
	}
	if ints != nil {
		var total int64
		for _, n := range ints {
			total += n
		}
		return total, nil
	}
	var total float64
	for _, n := range floats {
		total += n
	}
	return total, nil
}

func average(_ context.Context, values []any) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	nums, _, err := numbers(values)
	if err != nil {
		return nil, err
	}
	var total float64
	for _, n := range nums {
		total += n
	}
	return total / float64(len(nums)), nil
}

// extreme picks the smallest value for dir -1 and the largest for +1.
func extreme(dir int) aggregation {
	return func(_ context.Context, values []any) (any, error) {
		if len(values) == 0 {
			return nil, nil
		}
		floats, ints, err := numbers(values)
		if err != nil {
			return nil, err
		}
		if ints != nil {
			return pick(ints, dir), nil
		}
		return pick(floats, dir), nil
	}
}

func pick[T cmp.Ordered](nums []T, dir int) T {
	best := nums[0]
	for _, n := range nums[1:] {
		if cmp.Compare(n, best) == dir {
			best = n
		}
	}
	return best
}
