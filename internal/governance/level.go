package governance

import (
	"fmt"
	"strings"

	xerrors "Warden/internal/errors"
)

// Level 是工具声明的治理级别。
type Level int

const (
	// L1 自主执行。
	L1 Level = iota + 1
	// L2 需要操作员审批令牌。
	L2
	// L3 永远拒绝。
	L3
)

// String 实现 fmt.Stringer。
func (l Level) String() string {
	switch l {
	case L1:
		return "L1"
	case L2:
		return "L2"
	case L3:
		return "L3"
	default:
		return fmt.Sprintf("L%d", int(l))
	}
}

// Valid 判断级别是否在 L1..L3 之内。
func (l Level) Valid() bool { return l >= L1 && l <= L3 }

// ParseLevel 解析 "L2"、"l2" 或 "2"。
func ParseLevel(s string) (Level, error) {
	v := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "L")
	switch v {
	case "1":
		return L1, nil
	case "2":
		return L2, nil
	case "3":
		return L3, nil
	}
	return 0, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的治理级别 %q", s))
}

// MarshalText 实现 encoding.TextMarshaler。
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText 实现 encoding.TextUnmarshaler，YAML 与 JSON 都经由这里。
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
