package heartbeat

import (
	"fmt"
	"strings"
	"time"

	xerrors "Warden/internal/errors"
)

// QuietHours 是每天不做任何动作的时段，支持跨越午夜，例如 22:00-07:00。
// Start 与 End 相同表示不启用。
type QuietHours struct {
	Start time.Duration
	End   time.Duration
}

// ParseQuietHours 解析 "HH:MM" 形式的起止时间，两者都为空时不启用。
func ParseQuietHours(start, end string) (QuietHours, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" && end == "" {
		return QuietHours{}, nil
	}
	s, err := parseClock(start)
	if err != nil {
		return QuietHours{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return QuietHours{}, err
	}
	return QuietHours{Start: s, End: e}, nil
}

func parseClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("invalid clock time %q", v))
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Enabled 判断是否配置了静默时段。
func (q QuietHours) Enabled() bool { return q.Start != q.End }

// Contains 判断 t 的本地时刻是否落在静默时段内，起点包含、终点不包含。
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled() {
		return false
	}
	offset := time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
	if q.Start < q.End {
		return offset >= q.Start && offset < q.End
	}
	return offset >= q.Start || offset < q.End
}

// EndAfter 返回 t 所在静默时段的结束时刻。t 不在静默时段内时返回 t。
func (q QuietHours) EndAfter(t time.Time) time.Time {
	if !q.Contains(t) {
		return t
	}
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	end := midnight.Add(q.End)
	if !end.After(t) {
		end = midnight.AddDate(0, 0, 1).Add(q.End)
	}
	return end
}

// String 以 HH:MM-HH:MM 形式输出。
func (q QuietHours) String() string {
	if !q.Enabled() {
		return "off"
	}
	format := func(d time.Duration) string {
		return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
	}
	return format(q.Start) + "-" + format(q.End)
}
