package retry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SleepFunc returns how long to wait before the next attempt. attempt starts at 1.
type SleepFunc func(attempt int, err error) time.Duration

func Constant(d time.Duration) SleepFunc {
	return func(int, error) time.Duration { return d }
}

func Linear(start, max, step time.Duration) SleepFunc {
	return func(attempt int, _ error) time.Duration {
		d := start + time.Duration(attempt-1)*step
		if max > 0 && d > max {
			return max
		}
		return d
	}
}

func Exponential(start, max time.Duration, base float64) SleepFunc {
	return func(attempt int, _ error) time.Duration {
		d := time.Duration(float64(start) * math.Pow(base, float64(attempt-1)))
		if max > 0 && (d > max || d < 0) {
			return max
		}
		return d
	}
}

func DefaultSleep(class Class) SleepFunc {
	switch class {
	case ClassFragment:
		return Exponential(500*time.Millisecond, 16*time.Second, 2)
	case ClassFileAccess:
		return Linear(500*time.Millisecond, 5*time.Second, 500*time.Millisecond)
	default:
		return Exponential(time.Second, 30*time.Second, 2)
	}
}

// ParseSleep understands "N" seconds, "linear=start[:end[:step]]" and
// "exp=start[:end[:base]]".
func ParseSleep(expr string) (SleepFunc, error) {
	expr = strings.TrimSpace(expr)
	kind, args, found := strings.Cut(expr, "=")
	if !found {
		secs, err := strconv.ParseFloat(expr, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid retry sleep %q", expr)
		}
		return Constant(seconds(secs)), nil
	}
	parts := strings.Split(args, ":")
	values := make([]float64, 0, 3)
	for _, p := range parts {
		if p == "" || p == "inf" {
			values = append(values, math.Inf(1))
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid retry sleep %q: %w", expr, err)
		}
		values = append(values, v)
	}
	if len(values) > 3 {
		return nil, fmt.Errorf("invalid retry sleep %q: too many values", expr)
	}
	get := func(i int, def float64) float64 {
		if i < len(values) {
			return values[i]
		}
		return def
	}
	start := get(0, 0)
	max := get(1, math.Inf(1))
	switch kind {
	case "linear":
		step := get(2, start)
		return Linear(seconds(start), seconds(max), seconds(step)), nil
	case "exp":
		return Exponential(seconds(start), seconds(max), get(2, 2)), nil
	default:
		return nil, fmt.Errorf("invalid retry sleep kind %q", kind)
	}
}

func seconds(v float64) time.Duration {
	if math.IsInf(v, 1) {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
