// Package registry holds the set of processor and criterion implementations
// keyed by (name, version) and supplies the discovery output advertised on
// the Join handshake. Discovery is build-time: the registry is populated
// before the Supervisor starts and is immutable once handed to the Stream
// Session — the same "freeze" discipline the teacher's registry.Hub module
// gets for free from fx's construction-then-invoke ordering, made explicit
// here since nothing here is fx-managed singleton state.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cyoda-platform/cyoda-worker-go/internal/domain/model"
)

// ErrNotFound is returned by Resolve when no handler matches.
type ErrNotFound struct {
	Kind    model.HandlerKind
	Name    string
	Version *int32
}

func (e *ErrNotFound) Error() string {
	if e.Version != nil {
		return fmt.Sprintf("registry: no %s %q version %d registered", e.Kind, e.Name, *e.Version)
	}
	return fmt.Sprintf("registry: no %s %q registered", e.Kind, e.Name)
}

// versions maps a version number to its handler, so a registry can hold
// several versions of the same (kind, name) simultaneously.
type versions map[int32]model.Handler

// Registry is the immutable-after-Freeze table of processor and criterion
// handlers.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]versions
	criteria   map[string]versions
	frozen     bool
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		processors: make(map[string]versions),
		criteria:   make(map[string]versions),
	}
}

func (r *Registry) table(kind model.HandlerKind) map[string]versions {
	switch kind {
	case model.KindProcessor:
		return r.processors
	case model.KindCriterion:
		return r.criteria
	default:
		panic(fmt.Sprintf("registry: unknown handler kind %v", kind))
	}
}

// RegisterProcessor registers a processor implementation. name must be
// unique per version; it must exactly match the string the platform will
// send in EntityProcessorCalculationRequest.processorName.
func (r *Registry) RegisterProcessor(name string, version int32, modelKey model.ModelKey, fn model.ProcessorFunc) error {
	return r.register(model.Handler{
		Kind:      model.KindProcessor,
		Name:      name,
		Version:   version,
		ModelKey:  modelKey,
		Processor: fn,
	})
}

// RegisterCriterion registers a criterion implementation.
func (r *Registry) RegisterCriterion(name string, version int32, modelKey model.ModelKey, fn model.CriterionFunc) error {
	return r.register(model.Handler{
		Kind:      model.KindCriterion,
		Name:      name,
		Version:   version,
		ModelKey:  modelKey,
		Criterion: fn,
	})
}

func (r *Registry) register(h model.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		panic("registry: Register called after Freeze")
	}

	table := r.table(h.Kind)
	byVersion, ok := table[h.Name]
	if !ok {
		byVersion = make(versions)
		table[h.Name] = byVersion
	}
	if _, exists := byVersion[h.Version]; exists {
		return fmt.Errorf("registry: duplicate %s %q version %d", h.Kind, h.Name, h.Version)
	}
	byVersion[h.Version] = h
	return nil
}

// Freeze marks the registry immutable. pkg/worker.Run calls this exactly
// once before the first Stream Session starts.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Resolve looks up a handler by kind and name. If version is nil, the
// highest registered version wins; if non-nil, an exact match is required.
func (r *Registry) Resolve(kind model.HandlerKind, name string, version *int32) (model.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byVersion, ok := r.table(kind)[name]
	if !ok || len(byVersion) == 0 {
		return model.Handler{}, &ErrNotFound{Kind: kind, Name: name, Version: version}
	}

	if version != nil {
		h, ok := byVersion[*version]
		if !ok {
			return model.Handler{}, &ErrNotFound{Kind: kind, Name: name, Version: version}
		}
		return h, nil
	}

	var highest int32 = -1
	var winner model.Handler
	for v, h := range byVersion {
		if v > highest {
			highest = v
			winner = h
		}
	}
	return winner, nil
}

// List returns every advertised (kind, name, version) tuple for the Join
// handshake. Handlers whose name begins with "_" are private — reachable by
// direct Resolve but never advertised here.
func (r *Registry) List() []model.HandlerRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var refs []model.HandlerRef
	for _, table := range []map[string]versions{r.processors, r.criteria} {
		for name, byVersion := range table {
			if len(name) > 0 && name[0] == '_' {
				continue
			}
			for v, h := range byVersion {
				refs = append(refs, model.HandlerRef{Kind: h.Kind, Name: name, Version: v})
			}
		}
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Kind != refs[j].Kind {
			return refs[i].Kind < refs[j].Kind
		}
		if refs[i].Name != refs[j].Name {
			return refs[i].Name < refs[j].Name
		}
		return refs[i].Version < refs[j].Version
	})
	return refs
}
