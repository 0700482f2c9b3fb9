package rangeroute

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	tradingDaysPerWeek   = 5.0
	calendarDaysPerWeek  = 7.0
	tradingHoursPerDay   = 23.8
	calendarDaysPerMonth = 30.0
)

// Timeframe is a parsed chart resolution.
type Timeframe struct {
	Raw     string
	Minutes float64 // set for intraday resolutions
	Days    int     // set for D resolutions
	Weeks   int     // set for W resolutions
	Months  int     // set for M resolutions
}

// Intraday reports whether the timeframe is shorter than one day.
func (tf Timeframe) Intraday() bool { return tf.Minutes > 0 }

// ParseTimeframe accepts the platform resolution syntax: "1", "15", "240",
// "30S", "4H", "D", "1D", "W", "2W", "M", "3M".
func ParseTimeframe(raw string) (Timeframe, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return Timeframe{}, fmt.Errorf("empty timeframe")
	}

	unit := s[len(s)-1]
	num := s
	switch unit {
	case 'S', 'H', 'D', 'W', 'M':
		num = s[:len(s)-1]
	default:
		unit = 0
	}

	n := 1
	if num != "" {
		v, err := strconv.Atoi(num)
		if err != nil || v <= 0 {
			return Timeframe{}, fmt.Errorf("invalid timeframe %q", raw)
		}
		n = v
	}

	tf := Timeframe{Raw: raw}
	switch unit {
	case 0:
		tf.Minutes = float64(n)
	case 'S':
		tf.Minutes = float64(n) / 60
	case 'H':
		tf.Minutes = float64(n) * 60
	case 'D':
		tf.Days = n
	case 'W':
		tf.Weeks = n
	case 'M':
		tf.Months = n
	}
	return tf, nil
}

// DaysToBars estimates how many bars cover the given calendar days, assuming
// 5 trading days per week and 23.8 trading hours per intraday session.
func DaysToBars(days int, timeframe string) (int, error) {
	if days <= 0 {
		return 0, fmt.Errorf("days must be positive, got %d", days)
	}
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return 0, err
	}

	tradingDays := float64(days) * tradingDaysPerWeek / calendarDaysPerWeek
	var bars float64
	switch {
	case tf.Intraday():
		bars = tradingDays * tradingHoursPerDay * 60 / tf.Minutes
	case tf.Days > 0:
		bars = tradingDays / float64(tf.Days)
	case tf.Weeks > 0:
		bars = float64(days) / calendarDaysPerWeek / float64(tf.Weeks)
	default:
		bars = float64(days) / calendarDaysPerMonth / float64(tf.Months)
	}

	out := int(math.Ceil(bars - 1e-9))
	if out < 1 {
		out = 1
	}
	return out, nil
}
