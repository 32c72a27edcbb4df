package cycletime

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ISOPoint is an ISO-8601 date-time cycle point, with time-zone and
// optional expanded-year digits.
type ISOPoint struct {
	t time.Time
}

var isoPointRe = regexp.MustCompile(
	`^([+-]\d{5,}|\d{4})` + // year (expanded or 4-digit)
		`(?:-?(\d{2})` + // month
		`(?:-?(\d{2})` + // day
		`(?:T(\d{2})` + // hour
		`(?::?(\d{2}))?` + // minute
		`(?::?(\d{2}))?` + // second
		`)?)?)?` +
		`(Z|[+-]\d{2}:?\d{2})?$`)

// ParseISOPoint parses basic or extended ISO-8601 forms, including
// truncated ones ("2024", "2024-01", "2024-01-01T00Z") and expanded-year
// digits ("+02024-01-01T00Z"). A missing time-zone designator defaults to
// UTC ("Z").
func ParseISOPoint(s string) (ISOPoint, error) {
	m := isoPointRe.FindStringSubmatch(s)
	if m == nil {
		return ISOPoint{}, &CycleTimeError{Msg: fmt.Sprintf("malformed ISO-8601 cycle point: %q", s)}
	}

	year, err := strconv.Atoi(m[1])
	if err != nil {
		return ISOPoint{}, &CycleTimeError{Msg: fmt.Sprintf("malformed year in %q: %v", s, err)}
	}
	month := atoiDefault(m[2], 1)
	day := atoiDefault(m[3], 1)
	hour := atoiDefault(m[4], 0)
	minute := atoiDefault(m[5], 0)
	second := atoiDefault(m[6], 0)

	loc := time.UTC
	tzOffsetSeconds := 0
	if tz := m[7]; tz != "" && tz != "Z" {
		sign := 1
		if tz[0] == '-' {
			sign = -1
		}
		digits := tz[1:]
		digits = removeColon(digits)
		if len(digits) != 4 {
			return ISOPoint{}, &CycleTimeError{Msg: fmt.Sprintf("malformed time-zone offset in %q", s)}
		}
		offH, _ := strconv.Atoi(digits[0:2])
		offM, _ := strconv.Atoi(digits[2:4])
		tzOffsetSeconds = sign * (offH*3600 + offM*60)
		loc = time.FixedZone(tz, tzOffsetSeconds)
	}

	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
	return ISOPoint{t: t}, nil
}

// MustParseISOPoint is ParseISOPoint, panicking on error.
func MustParseISOPoint(s string) ISOPoint {
	p, err := ParseISOPoint(s)
	if err != nil {
		panic(err)
	}
	return p
}

func NewISOPoint(t time.Time) ISOPoint { return ISOPoint{t: t} }

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, _ := strconv.Atoi(s)
	return v
}

func removeColon(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != ':' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

func (p ISOPoint) Kind() Kind { return KindISO }

// String dumps the canonical form: extended ISO-8601 with explicit offset.
func (p ISOPoint) String() string {
	_, offset := p.t.Zone()
	if offset == 0 {
		return p.t.UTC().Format("2006-01-02T15:04:05Z")
	}
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	return p.t.Format("2006-01-02T15:04:05") + fmt.Sprintf("%s%02d:%02d", sign, offset/3600, (offset%3600)/60)
}

func (p ISOPoint) Time() time.Time { return p.t }

func (p ISOPoint) Compare(other Point) int {
	o := other.(ISOPoint)
	switch {
	case p.t.Before(o.t):
		return -1
	case p.t.After(o.t):
		return 1
	default:
		return 0
	}
}

func (p ISOPoint) Diff(other Point) Interval {
	o := other.(ISOPoint)
	d := o.t.Sub(p.t)
	sign := 1
	if d < 0 {
		sign = -1
		d = -d
	}
	totalSeconds := int(d.Seconds())
	days := totalSeconds / 86400
	rem := totalSeconds % 86400
	hours := rem / 3600
	rem %= 3600
	minutes := rem / 60
	seconds := rem % 60
	return ISOInterval{Sign: sign, Days: days, Hours: hours, Minutes: minutes, Seconds: seconds}
}

func (p ISOPoint) Add(iv Interval) Point {
	i := iv.(ISOInterval)
	sign := i.Sign
	if sign == 0 {
		sign = 1
	}
	t := p.t
	t = t.AddDate(sign*i.Years, sign*i.Months, sign*(i.Weeks*7+i.Days))
	t = t.Add(time.Duration(sign) * (time.Duration(i.Hours)*time.Hour + time.Duration(i.Minutes)*time.Minute + time.Duration(i.Seconds)*time.Second))
	return ISOPoint{t: t}
}

func (p ISOPoint) Sub(iv Interval) Point {
	return p.Add(iv.Negate())
}
