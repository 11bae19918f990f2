package verifier

import (
	"sort"
	"sync"

	xerrors "OpenProof-Chain/internal/errors"
)

// Registry 管理验证器的注册与查找。注册通常发生在进程启动阶段，
// 查找发生在每次验证请求的分发阶段,因此读写锁偏向读路径。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Verifier
}

// NewRegistry 构造一个空的验证器注册表。
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Verifier)}
}

// Register 注册一个验证器。重复 ID 视为部署错误并返回冲突。
func (r *Registry) Register(v Verifier) error {
	if v == nil || v.ID() == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "验证器不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[v.ID()]; ok {
		return xerrors.New(xerrors.CodeConflict, "验证器已注册: "+v.ID())
	}
	r.entries[v.ID()] = v
	return nil
}

// Lookup 按 ID 查找验证器。
func (r *Registry) Lookup(id string) (Verifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[id]
	if !ok {
		return nil, xerrors.Wrap(CodeVerifierNotFound, ErrVerifierNotFound, "验证器不存在: "+id)
	}
	return v, nil
}

// Has 报告指定 ID 是否已注册。
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// List 返回按 ID 排序的验证器描述信息，供发现接口使用。
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, r.entries[id].Describe())
	}
	return infos
}
