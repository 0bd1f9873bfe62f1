package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
)

// Constructor 按名称与能力列表构造一个智能体。
type Constructor func(name string, capabilities []string) (*Agent, error)

// Factory 维护类型到构造函数的映射，行为插件也通过它注册新类型。
type Factory struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewFactory 创建一个空的智能体工厂。
func NewFactory() *Factory {
	return &Factory{ctors: make(map[string]Constructor)}
}

// NewDefaultFactory 创建预置五种内置类型的工厂。
// 存储型智能体使用传入的键值后端，为空时退化为进程内存储。
func NewDefaultFactory(kv KV) *Factory {
	factory := NewFactory()
	_ = factory.RegisterType("DataProcessing", func(name string, capabilities []string) (*Agent, error) {
		return New(name, "DataProcessing", capabilities, WithHandler(DataProcessingHandler{}))
	})
	_ = factory.RegisterType("Storage", func(name string, capabilities []string) (*Agent, error) {
		return New(name, "Storage", capabilities, WithHandler(NewStorageHandler(kv)))
	})
	_ = factory.RegisterType("Analysis", func(name string, capabilities []string) (*Agent, error) {
		return New(name, "Analysis", capabilities, WithHandler(AnalysisHandler{}))
	})
	_ = factory.RegisterType("Compute", func(name string, capabilities []string) (*Agent, error) {
		return New(name, "Compute", capabilities, WithHandler(ComputeHandler{}))
	})
	_ = factory.RegisterType("Training", func(name string, capabilities []string) (*Agent, error) {
		return New(name, "Training", capabilities, WithHandler(NewTrainingHandler()))
	})
	return factory
}

// RegisterType 注册一种新的智能体类型。
func (f *Factory) RegisterType(agentType string, ctor Constructor) error {
	if strings.TrimSpace(agentType) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体类型不能为空")
	}
	if ctor == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "构造函数不能为空")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.ctors[agentType]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("智能体类型 %s 已注册", agentType))
	}
	f.ctors[agentType] = ctor
	return nil
}

// Create 根据类型创建智能体实例。
func (f *Factory) Create(agentType, name string, capabilities []string) (*Agent, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[agentType]
	f.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未知的智能体类型: %s", agentType))
	}
	return ctor(name, capabilities)
}

// Types 返回已注册的类型列表，按字典序排序。
func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	types := make([]string, 0, len(f.ctors))
	for name := range f.ctors {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
