package service

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/smallbiznis/licensegate/internal/invoice/domain"
)

var quarterPattern = regexp.MustCompile(`^(\d{4})-Q([1-4])$`)

// Quarter is a calendar quarter such as 2025-Q1.
type Quarter struct {
	Year int
	Q    int
}

func (q Quarter) String() string {
	return fmt.Sprintf("%d-Q%d", q.Year, q.Q)
}

// Start is the first day of the quarter in UTC.
func (q Quarter) Start() time.Time {
	return time.Date(q.Year, time.Month((q.Q-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
}

// End is the last day of the quarter in UTC.
func (q Quarter) End() time.Time {
	return q.Start().AddDate(0, 3, -1)
}

func (q Quarter) Previous() Quarter {
	if q.Q == 1 {
		return Quarter{Year: q.Year - 1, Q: 4}
	}
	return Quarter{Year: q.Year, Q: q.Q - 1}
}

func QuarterOf(t time.Time) Quarter {
	t = t.UTC()
	return Quarter{Year: t.Year(), Q: (int(t.Month())-1)/3 + 1}
}

func CurrentQuarter(now time.Time) Quarter {
	return QuarterOf(now)
}

func ParseQuarter(s string) (Quarter, error) {
	m := quarterPattern.FindStringSubmatch(s)
	if m == nil {
		return Quarter{}, fmt.Errorf("%w: %q", domain.ErrInvalidQuarter, s)
	}
	year, _ := strconv.Atoi(m[1])
	q, _ := strconv.Atoi(m[2])
	return Quarter{Year: year, Q: q}, nil
}
