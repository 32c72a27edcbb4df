package cycletime

import (
	"fmt"
	"strconv"
	"strings"
)

// IntPoint is an integer cycle point, used for non-calendar cycling
// workflows (spec §4.1, "two disjoint point types").
type IntPoint int64

// ParseIntPoint parses a bare (possibly signed) integer cycle point.
func ParseIntPoint(s string) (IntPoint, error) {
	v, err := strconv.ParseInt(strings.TrimPrefix(s, "+"), 10, 64)
	if err != nil {
		return 0, &CycleTimeError{Msg: fmt.Sprintf("malformed integer cycle point: %q", s)}
	}
	return IntPoint(v), nil
}

func (p IntPoint) Kind() Kind   { return KindInteger }
func (p IntPoint) String() string {
	return strconv.FormatInt(int64(p), 10)
}

func (p IntPoint) Compare(other Point) int {
	o := other.(IntPoint)
	switch {
	case p < o:
		return -1
	case p > o:
		return 1
	default:
		return 0
	}
}

func (p IntPoint) Diff(other Point) Interval {
	o := other.(IntPoint)
	return IntInterval(int64(o) - int64(p))
}

func (p IntPoint) Add(iv Interval) Point {
	i := iv.(IntInterval)
	return p + IntPoint(i)
}

func (p IntPoint) Sub(iv Interval) Point {
	i := iv.(IntInterval)
	return p - IntPoint(i)
}
