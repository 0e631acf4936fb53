package governance

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	xerrors "Warden/internal/errors"
)

// Policy 是按工具名覆盖的治理级别。
type Policy struct {
	Levels map[string]Level `yaml:"levels"`
}

// LoadPolicyFile 解析 YAML 策略文件，例如：
//
//	levels:
//	  social_post: L2
//	  web_fetch: L1
func LoadPolicyFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("读取治理策略 %s 失败", path))
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("解析治理策略 %s 失败", path))
	}
	return p, nil
}

// Merge 返回叠加 other 之后的新策略，other 优先。
func (p Policy) Merge(other Policy) Policy {
	out := Policy{Levels: make(map[string]Level, len(p.Levels)+len(other.Levels))}
	for k, v := range p.Levels {
		out.Levels[k] = v
	}
	for k, v := range other.Levels {
		out.Levels[k] = v
	}
	return out
}

// Effective 计算工具的生效级别。声明为 L3 的工具不能被策略放宽。
func (p Policy) Effective(tool Tool) Level {
	declared := tool.Level()
	override, ok := p.Levels[tool.Name()]
	if !ok || !override.Valid() {
		return declared
	}
	if declared == L3 {
		return L3
	}
	return override
}
