package catalog

import (
	"sort"
	"strings"
	"sync"
)

// Type 枚举智能体能力的类别。
type Type string

const (
	TypeDataProcessing Type = "data_processing"
	TypeStorage        Type = "storage"
	TypeAnalysis       Type = "analysis"
	TypeCompute        Type = "compute"
	TypeTraining       Type = "training"
)

// IsValidType 判断能力类别是否在支持范围内。
func IsValidType(t Type) bool {
	switch t {
	case TypeDataProcessing, TypeStorage, TypeAnalysis, TypeCompute, TypeTraining:
		return true
	default:
		return false
	}
}

// Capability 描述一项可注册的能力，包括参数约定与资源需求。
type Capability struct {
	Name         string            `json:"name"`
	Type         Type              `json:"type"`
	Description  string            `json:"description"`
	Version      string            `json:"version,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	Requirements map[string]string `json:"requirements,omitempty"`
	Keywords     []string          `json:"keywords,omitempty"`
}

// Registry 保存能力定义，供智能体注册时校验与查询。
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
}

// NewRegistry 创建一个空的能力注册表。
func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[string]Capability)}
}

// NewStandardRegistry 创建预置标准能力的注册表。
func NewStandardRegistry() *Registry {
	registry := NewRegistry()
	for _, capability := range Standard() {
		registry.Register(capability)
	}
	return registry
}

// Register 注册或覆盖一项能力定义。
func (r *Registry) Register(capability Capability) {
	if strings.TrimSpace(capability.Name) == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[capability.Name] = capability
}

// Get 返回指定名称的能力定义。
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	capability, ok := r.capabilities[name]
	return capability, ok
}

// List 返回全部能力名称，按字典序排序。
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByType 返回指定类别的所有能力。
func (r *Registry) ByType(t Type) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Capability, 0)
	for _, capability := range r.capabilities {
		if capability.Type == t {
			result = append(result, capability)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Standard 返回内置的标准能力目录。
func Standard() []Capability {
	return []Capability{
		{
			Name:         "data_processing",
			Type:         TypeDataProcessing,
			Description:  "Process and transform data",
			Version:      "1.0",
			Parameters:   map[string]string{"format": "string", "operations": "[]string"},
			Requirements: map[string]string{"cpu": "1", "memory": "512M"},
			Keywords:     []string{"process", "transform", "etl"},
		},
		{
			Name:         "data_storage",
			Type:         TypeStorage,
			Description:  "Store and retrieve data",
			Version:      "1.0",
			Parameters:   map[string]string{"format": "string", "size": "int"},
			Requirements: map[string]string{"storage": "1G"},
			Keywords:     []string{"store", "retrieve", "kv"},
		},
		{
			Name:         "data_analysis",
			Type:         TypeAnalysis,
			Description:  "Analyze data and generate insights",
			Version:      "1.0",
			Parameters:   map[string]string{"type": "string", "metrics": "[]string"},
			Requirements: map[string]string{"cpu": "2", "memory": "1G"},
			Keywords:     []string{"analyze", "insight", "metrics"},
		},
		{
			Name:         "model_training",
			Type:         TypeTraining,
			Description:  "Train machine learning models",
			Version:      "1.0",
			Parameters:   map[string]string{"model_type": "string", "dataset_size": "int"},
			Requirements: map[string]string{"gpu": "1", "memory": "2G"},
			Keywords:     []string{"train", "model", "ml"},
		},
		{
			Name:         "computation",
			Type:         TypeCompute,
			Description:  "Perform complex computations",
			Version:      "1.0",
			Parameters:   map[string]string{"type": "string", "complexity": "string"},
			Requirements: map[string]string{"cpu": "4", "memory": "2G"},
			Keywords:     []string{"compute", "calculate"},
		},
	}
}
