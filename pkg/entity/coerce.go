package entity

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
)

var durationType = reflect.TypeFor[time.Duration]()

// Coerce converts a config value of any shape to T. Strings parse into
// booleans, numbers and durations; numbers convert between kinds when no
// precision is lost; scalars render into strings; []any converts element by
// element. A nil value yields the zero T.
func Coerce[T any](v any) (T, error) {
	var zero T
	out, err := CoerceTo(v, reflect.TypeFor[T]())
	if err != nil || out == nil {
		return zero, err
	}
	return out.(T), nil
}

// CoerceTo is the reflective form of Coerce.
func CoerceTo(v any, t reflect.Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		if t.Kind() == reflect.Interface {
			return v, nil
		}
		return rv.Convert(t).Interface(), nil
	}

	if t == durationType {
		switch val := v.(type) {
		case string:
			d, err := time.ParseDuration(val)
			if err != nil {
				return nil, mismatch(v, t, err)
			}
			return d, nil
		case int, int64, float64:
			return time.Duration(reflect.ValueOf(val).Convert(reflect.TypeFor[int64]()).Int()) * time.Millisecond, nil
		}
	}

	switch t.Kind() {
	case reflect.String:
		switch rv.Kind() {
		case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return reflect.ValueOf(fmt.Sprint(v)).Convert(t).Interface(), nil
		}
		if s, ok := v.(fmt.Stringer); ok {
			return reflect.ValueOf(s.String()).Convert(t).Interface(), nil
		}

	case reflect.Bool:
		if s, ok := v.(string); ok {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return nil, mismatch(v, t, err)
			}
			return reflect.ValueOf(b).Convert(t).Interface(), nil
		}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if s, ok := v.(string); ok {
			n, err := strconv.ParseInt(s, 10, t.Bits())
			if err != nil {
				return nil, mismatch(v, t, err)
			}
			return reflect.ValueOf(n).Convert(t).Interface(), nil
		}
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			out := reflect.New(t).Elem()
			if out.OverflowInt(rv.Int()) {
				return nil, mismatch(v, t, fmt.Errorf("overflow"))
			}
			out.SetInt(rv.Int())
			return out.Interface(), nil
		case reflect.Float32, reflect.Float64:
			f := rv.Float()
			if f != float64(int64(f)) {
				return nil, mismatch(v, t, fmt.Errorf("not an integer"))
			}
			return reflect.ValueOf(int64(f)).Convert(t).Interface(), nil
		}

	case reflect.Float32, reflect.Float64:
		if s, ok := v.(string); ok {
			f, err := strconv.ParseFloat(s, t.Bits())
			if err != nil {
				return nil, mismatch(v, t, err)
			}
			return reflect.ValueOf(f).Convert(t).Interface(), nil
		}
		if rv.CanConvert(t) && rv.Kind() != reflect.String && rv.Kind() != reflect.Bool {
			return rv.Convert(t).Interface(), nil
		}

	case reflect.Slice:
		if rv.Kind() == reflect.Slice {
			out := reflect.MakeSlice(t, rv.Len(), rv.Len())
			for i := 0; i < rv.Len(); i++ {
				item, err := CoerceTo(rv.Index(i).Interface(), t.Elem())
				if err != nil {
					return nil, err
				}
				if item != nil {
					out.Index(i).Set(reflect.ValueOf(item))
				}
			}
			return out.Interface(), nil
		}

	case reflect.Map:
		if rv.Kind() == reflect.Map && t.Key().Kind() == reflect.String {
			out := reflect.MakeMapWithSize(t, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				item, err := CoerceTo(iter.Value().Interface(), t.Elem())
				if err != nil {
					return nil, err
				}
				val := reflect.Zero(t.Elem())
				if item != nil {
					val = reflect.ValueOf(item)
				}
				out.SetMapIndex(reflect.ValueOf(fmt.Sprint(iter.Key().Interface())).Convert(t.Key()), val)
			}
			return out.Interface(), nil
		}
	}
	return nil, mismatch(v, t, nil)
}

func mismatch(v any, t reflect.Type, cause error) error {
	return engine.NewPermanentError(fmt.Sprintf("cannot use %T value %v as %s", v, v, t), cause).
		WithCode(engine.ErrCodeTypeMismatch)
}
