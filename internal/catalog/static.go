package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider 定义能力目录检索的通用接口。
type Provider interface {
	Find(query string) []Capability
}

// StaticProvider 通过加载 JSON 文件提供静态能力检索。
type StaticProvider struct {
	items      []Capability
	maxResults int
}

// NewStaticProvider 创建静态能力目录实例。
func NewStaticProvider(items []Capability, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 文件加载能力条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("能力目录文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析能力目录路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取能力目录文件失败: %w", err)
	}
	defer file.Close()

	var entries []Capability
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析能力目录文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Items 返回目录中的全部能力条目副本。
func (p *StaticProvider) Items() []Capability {
	if p == nil {
		return nil
	}
	return append([]Capability(nil), p.items...)
}

// Find 根据查询词对能力进行简单匹配。
func (p *StaticProvider) Find(query string) []Capability {
	if p == nil {
		return nil
	}

	query = strings.ToLower(strings.TrimSpace(query))

	results := make([]Capability, 0, p.maxResults)
	for _, item := range p.items {
		if matches(item, query) {
			results = append(results, item)
			if len(results) >= p.maxResults {
				break
			}
		}
	}
	return results
}

func matches(capability Capability, query string) bool {
	if len(capability.Keywords) == 0 {
		return true
	}
	if query == "" {
		return false
	}
	if strings.Contains(query, strings.ToLower(capability.Name)) {
		return true
	}
	for _, keyword := range capability.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if strings.Contains(query, normalized) {
			return true
		}
	}
	return false
}

// Ensure StaticProvider 实现 Provider 接口。
var _ Provider = (*StaticProvider)(nil)
