package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
)

// Handler 定义智能体处理服务请求的接口。
type Handler interface {
	HandleRequest(ctx context.Context, request map[string]any) (map[string]any, error)
}

// HandlerFunc 允许用函数直接充当 Handler。
type HandlerFunc func(ctx context.Context, request map[string]any) (map[string]any, error)

// HandleRequest 实现 Handler 接口。
func (f HandlerFunc) HandleRequest(ctx context.Context, request map[string]any) (map[string]any, error) {
	return f(ctx, request)
}

// KV 抽象存储型智能体使用的键值后端。
type KV interface {
	Set(ctx context.Context, key string, value any) error
	Get(ctx context.Context, key string) (any, bool, error)
	Delete(ctx context.Context, key string) error
}

// memoryKV 是默认的进程内键值实现。
type memoryKV struct {
	mu    sync.RWMutex
	items map[string]any
}

// NewMemoryKV 创建进程内键值存储。
func NewMemoryKV() KV {
	return &memoryKV{items: make(map[string]any)}
}

func (m *memoryKV) Set(_ context.Context, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *memoryKV) Get(_ context.Context, key string) (any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.items[key]
	return value, ok, nil
}

func (m *memoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// DataProcessingHandler 处理数据加工类请求，按原样回传处理结果。
type DataProcessingHandler struct{}

// HandleRequest 实现 Handler 接口。
func (DataProcessingHandler) HandleRequest(_ context.Context, request map[string]any) (map[string]any, error) {
	operation, _ := request["operation"].(string)
	if operation == "" {
		operation = "process"
	}
	return map[string]any{
		"status":    "success",
		"operation": operation,
		"result":    request["data"],
	}, nil
}

// StorageHandler 依赖键值后端提供存取服务。
type StorageHandler struct {
	kv KV
}

// NewStorageHandler 创建存储型处理器。后端为空时退化为进程内存储。
func NewStorageHandler(kv KV) *StorageHandler {
	if kv == nil {
		kv = NewMemoryKV()
	}
	return &StorageHandler{kv: kv}
}

// HandleRequest 实现 Handler 接口，支持 store/retrieve/delete 操作。
func (h *StorageHandler) HandleRequest(ctx context.Context, request map[string]any) (map[string]any, error) {
	operation, _ := request["operation"].(string)
	key, _ := request["key"].(string)
	if strings.TrimSpace(key) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "存储请求缺少 key")
	}

	switch operation {
	case "store":
		if err := h.kv.Set(ctx, key, request["value"]); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入键值失败")
		}
		return map[string]any{"status": "success", "operation": "store"}, nil
	case "retrieve":
		value, ok, err := h.kv.Get(ctx, key)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取键值失败")
		}
		if !ok {
			return map[string]any{"status": "success", "value": nil}, nil
		}
		return map[string]any{"status": "success", "value": value}, nil
	case "delete":
		if err := h.kv.Delete(ctx, key); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除键值失败")
		}
		return map[string]any{"status": "success", "operation": "delete"}, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的存储操作: %s", operation))
	}
}

// AnalysisHandler 处理分析类请求。
type AnalysisHandler struct{}

// HandleRequest 实现 Handler 接口。
func (AnalysisHandler) HandleRequest(_ context.Context, request map[string]any) (map[string]any, error) {
	analysisType, _ := request["analysis_type"].(string)
	if analysisType == "" {
		analysisType = "basic"
	}
	return map[string]any{
		"status":        "success",
		"analysis_type": analysisType,
		"result":        request["data"],
	}, nil
}

// ComputeHandler 处理计算类请求。
type ComputeHandler struct{}

// HandleRequest 实现 Handler 接口。
func (ComputeHandler) HandleRequest(_ context.Context, request map[string]any) (map[string]any, error) {
	operation, _ := request["operation"].(string)
	if operation == "" {
		operation = "compute"
	}
	return map[string]any{
		"status":    "success",
		"operation": operation,
		"result":    request["data"],
	}, nil
}

// TrainingHandler 处理训练类请求，并保留最近一次的模型参数。
type TrainingHandler struct {
	mu         sync.Mutex
	modelState map[string]any
}

// NewTrainingHandler 创建训练型处理器。
func NewTrainingHandler() *TrainingHandler {
	return &TrainingHandler{modelState: make(map[string]any)}
}

// HandleRequest 实现 Handler 接口。
func (h *TrainingHandler) HandleRequest(_ context.Context, request map[string]any) (map[string]any, error) {
	modelType, _ := request["model_type"].(string)
	if modelType == "" {
		modelType = "default"
	}
	h.mu.Lock()
	h.modelState["model_type"] = modelType
	h.modelState["last_dataset"] = request["data"]
	h.mu.Unlock()
	return map[string]any{
		"status":     "success",
		"model_type": modelType,
		"result":     request["data"],
	}, nil
}

var (
	_ Handler = DataProcessingHandler{}
	_ Handler = (*StorageHandler)(nil)
	_ Handler = AnalysisHandler{}
	_ Handler = ComputeHandler{}
	_ Handler = (*TrainingHandler)(nil)
)
