package experiment

import (
	"fmt"

	"egfet-controls/internal/config"

	"github.com/antonmedv/expr"
)

// filterCells 对配置中的单元求值筛选规则，返回参与本次运行的单元
// 规则是一个返回布尔值的 expr 表达式，环境中暴露单元名称、通道和序号
// 规则为空时全部单元参与；表达式非法属于配置错误
func filterCells(cfg *config.Config) ([]string, error) {
	if cfg.CellFilter == "" {
		return cfg.CellNames, nil
	}

	env := map[string]interface{}{
		"name":    "",
		"channel": "",
		"index":   0,
	}
	program, err := expr.Compile(cfg.CellFilter, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("单元筛选规则编译失败: %w", err)
	}

	var selected []string
	for i, name := range cfg.CellNames {
		env := map[string]interface{}{
			"name":    name,
			"channel": string(cfg.CellChannelMapping[name]),
			"index":   i,
		}
		result, err := expr.Run(program, env)
		if err != nil {
			return nil, fmt.Errorf("单元筛选规则执行失败: %w", err)
		}
		keep, ok := result.(bool)
		if !ok {
			return nil, fmt.Errorf("单元筛选规则的结果不是布尔值")
		}
		if keep {
			selected = append(selected, name)
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("单元筛选规则排除了所有单元")
	}
	return selected, nil
}
