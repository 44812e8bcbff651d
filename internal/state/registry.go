package state

import (
	"fmt"
	"slices"
	"sync"

	"github.com/23skdu/quarrel-varstate/internal/config"
	"github.com/23skdu/quarrel-varstate/internal/logger"
	"github.com/23skdu/quarrel-varstate/internal/parallel"
	"github.com/23skdu/quarrel-varstate/internal/tensor"
)

// Declaration describes one state to create.
type Declaration struct {
	Name     string
	Kind     Kind
	External *tensor.Descriptor
	// Internal is the storage layout. For a KV cache a nil Internal reads
	// External as [B, H, L, S] and stores it in DenseKVOrder with the
	// configured precision, group size and quantization mode.
	Internal       *tensor.Descriptor
	GroupSize      int
	QuantByChannel bool
}

// Registry creates states by kind and tracks them by name. States are not
// synchronized themselves: callers that share a registry with a reader such
// as Snapshot make their per-step calls inside Step.
type Registry struct {
	mu     sync.RWMutex
	step   sync.RWMutex
	pool   *parallel.Pool
	cfg    config.Config
	states map[string]VariableState
}

func NewRegistry(pool *parallel.Pool, cfg config.Config) *Registry {
	if pool == nil {
		pool = parallel.New(cfg.Workers, cfg.MinChunk)
	}
	return &Registry{
		pool:   pool,
		cfg:    cfg,
		states: make(map[string]VariableState),
	}
}

func (r *Registry) Declare(d Declaration) (VariableState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.states[d.Name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateState, d.Name)
	}
	if d.External == nil {
		return nil, fmt.Errorf("%w: state %q has no external descriptor", ErrPrecondition, d.Name)
	}

	var (
		s   VariableState
		err error
	)
	switch d.Kind {
	case KindDoubleBuffer:
		s, err = NewDoubleBuffer(d.Name, r.internalOrExternal(d), d.External)
	case KindSingleBuffer:
		s, err = NewSingleBuffer(d.Name, r.internalOrExternal(d), d.External)
	case KindKVCache:
		s, err = r.newKVCache(d)
	default:
		return nil, fmt.Errorf("%w: %v for %q", ErrUnknownKind, d.Kind, d.Name)
	}
	if err != nil {
		return nil, err
	}

	r.states[d.Name] = s
	logger.Log.Debug("state declared", "state", d.Name, "kind", d.Kind.String(), "external", d.External.String())
	return s, nil
}

func (r *Registry) internalOrExternal(d Declaration) *tensor.Descriptor {
	if d.Internal != nil {
		return d.Internal
	}
	return d.External
}

func (r *Registry) newKVCache(d Declaration) (*KVCache, error) {
	dense, groupSize, byChannel := d.Internal, d.GroupSize, d.QuantByChannel
	if dense == nil {
		if d.External.Rank() != 4 {
			return nil, fmt.Errorf("%w: kv cache %q needs rank 4, got %d", ErrRank, d.Name, d.External.Rank())
		}
		var err error
		dense, err = tensor.NewDescriptor(d.External.Dims(), r.cfg.Precision(), DenseKVOrder())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPrecondition, err)
		}
		byChannel = r.cfg.QuantByChannel
	}
	if groupSize == 0 {
		groupSize = r.cfg.GroupSize
	}
	return NewKVCache(d.Name, d.External, dense, byChannel, groupSize, r.pool)
}

func (r *Registry) Get(name string) (VariableState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[name]
	return s, ok
}

// Names returns the declared state names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.states))
	for n := range r.states {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// Step runs fn while holding exclusive access to the registry's states.
// fn must not call Snapshot.
func (r *Registry) Step(fn func() error) error {
	r.step.Lock()
	defer r.step.Unlock()
	return fn()
}

// Info is a point-in-time description of one state.
type Info struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Reset        bool   `json:"reset"`
	External     string `json:"external"`
	InternalDims []int  `json:"internal_dims,omitempty"`
	Precision    string `json:"precision"`

	// KV caches only
	GroupSize          int  `json:"group_size,omitempty"`
	QuantByChannel     bool `json:"quant_by_channel,omitempty"`
	InternalMemMaxSize int  `json:"internal_mem_max_size,omitempty"`
	HiddenStateMaxSize int  `json:"hidden_state_max_size,omitempty"`
}

// Snapshot describes every state in name order. It waits for a running
// Step to finish.
func (r *Registry) Snapshot() []Info {
	r.step.RLock()
	defer r.step.RUnlock()
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.states))
	for n := range r.states {
		names = append(names, n)
	}
	slices.Sort(names)

	infos := make([]Info, 0, len(names))
	for _, name := range names {
		s := r.states[name]
		info := Info{
			Name:      name,
			Kind:      s.Kind().String(),
			Reset:     s.IsResetState(),
			External:  s.ExternalDesc().String(),
			Precision: s.InternalDesc().Precision().String(),
		}
		if mem := s.InternalStateMem(); mem != nil {
			info.InternalDims = mem.Dims()
		}
		if kv, ok := s.(*KVCache); ok {
			info.GroupSize = kv.GroupSize()
			info.QuantByChannel = kv.QuantByChannel()
			info.InternalMemMaxSize = kv.InternalMemMaxSize()
			info.HiddenStateMaxSize = kv.HiddenStateMaxSize()
		}
		infos = append(infos, info)
	}
	return infos
}

// ResetAll resets every state, as when a new sequence starts.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.states {
		s.Reset()
	}
}

// CommitAll commits every state at the end of a step.
func (r *Registry) CommitAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.states {
		s.Commit()
	}
}

func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[name]; !ok {
		return false
	}
	delete(r.states, name)
	return true
}
