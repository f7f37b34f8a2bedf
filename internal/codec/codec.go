// Package codec implements the bidirectional mapping between wire payloads
// and typed domain entities described in spec.md §4.B. The platform evolves
// entity shapes independently of this client; passthrough of unknown fields
// (anything the registered descriptor's schema doesn't name) is the whole
// point of the package — it prevents silent field loss across a
// decode/handler/encode round trip, the same concern the teacher's
// MessageV1Adapter solves by carrying the raw DTO alongside the domain view.
package codec

import (
	"fmt"
	"sync"

	"github.com/cyoda-platform/cyoda-worker-go/internal/domain/model"
)

// Codec registers EntityDescriptors and decodes/encodes payloads against
// them. It is read-only once pkg/worker.Run freezes it (see Freeze), so
// concurrent Decode/Encode calls from many dispatcher workers need no
// locking beyond the registration map's own RWMutex.
type Codec struct {
	mu          sync.RWMutex
	descriptors map[model.ModelKey]model.EntityDescriptor
	frozen      bool
}

// New returns an empty Codec ready for registration.
func New() *Codec {
	return &Codec{
		descriptors: make(map[model.ModelKey]model.EntityDescriptor),
	}
}

// Register adds an EntityDescriptor. It rejects duplicates for the same
// (modelName, modelVersion) and panics if called after Freeze — descriptor
// registration is a build-time concern, not a runtime one.
func (c *Codec) Register(d model.EntityDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		panic("codec: Register called after Freeze")
	}

	key := d.Key()
	if _, exists := c.descriptors[key]; exists {
		return fmt.Errorf("codec: duplicate entity descriptor for %s", key)
	}
	c.descriptors[key] = d
	return nil
}

// Freeze marks the codec immutable. Called once by pkg/worker.Run before
// the first Stream Session starts.
func (c *Codec) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = true
}

func (c *Codec) lookup(name string, version int32) (model.EntityDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.descriptors[model.ModelKey{Name: name, Version: version}]
	return d, ok
}

// Decode builds a typed Entity from a raw payload map, keyed by
// (modelName, modelVersion). Fails with ErrorKindUnknownModel if no
// descriptor is registered, or ErrorKindMalformedPayload if the payload
// doesn't satisfy the descriptor's required fields.
func (c *Codec) Decode(modelName string, modelVersion int32, technicalID string, payload map[string]any) (*model.Entity, error) {
	descriptor, ok := c.lookup(modelName, modelVersion)
	if !ok {
		return nil, model.NewDispatchError(model.ErrorKindUnknownModel,
			fmt.Sprintf("no entity descriptor registered for %s/v%d", modelName, modelVersion))
	}

	for _, required := range descriptor.Schema {
		if _, present := payload[required]; !present {
			return nil, model.NewDispatchError(model.ErrorKindMalformedPayload,
				fmt.Sprintf("%s/v%d: missing required field %q", modelName, modelVersion, required))
		}
	}

	raw := cloneMap(payload)

	var fields map[string]any
	if descriptor.Constructor != nil {
		built, err := descriptor.Constructor(raw)
		if err != nil {
			return nil, model.WrapDispatchError(model.ErrorKindMalformedPayload, err)
		}
		fields = built
	} else {
		fields = cloneMap(payload)
	}

	entity := &model.Entity{
		ModelName:    modelName,
		ModelVersion: modelVersion,
		TechnicalID:  technicalID,
		Fields:       fields,
		Raw:          raw,
	}
	entity.Meta = decodeMeta(raw)
	return entity, nil
}

// Encode re-serializes an Entity back to its wire payload form. The result
// starts from the entity's Raw passthrough map and overlays whatever the
// descriptor's Serializer emits for the typed view, so fields outside the
// schema survive verbatim: encode(decode(p)) == p modulo the subset the
// schema actually describes.
func (c *Codec) Encode(entity *model.Entity) (map[string]any, error) {
	descriptor, ok := c.lookup(entity.ModelName, entity.ModelVersion)
	if !ok {
		return nil, model.NewDispatchError(model.ErrorKindUnknownModel,
			fmt.Sprintf("no entity descriptor registered for %s/v%d", entity.ModelName, entity.ModelVersion))
	}

	out := cloneMap(entity.Raw)

	var overlay map[string]any
	if descriptor.Serializer != nil {
		serialized, err := descriptor.Serializer(entity.Fields)
		if err != nil {
			return nil, fmt.Errorf("codec: serialize %s: %w", entity.ModelName, err)
		}
		overlay = serialized
	} else {
		overlay = entity.Fields
	}

	for k, v := range overlay {
		out[k] = v
	}
	encodeMeta(out, entity.Meta)
	return out, nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// decodeMeta reads the reserved "meta" slot off a raw payload without
// mutating it — the platform owns this slot, handlers only observe it.
func decodeMeta(raw map[string]any) model.Meta {
	meta, ok := raw["meta"].(map[string]any)
	if !ok {
		return model.Meta{}
	}
	state, _ := meta["state"].(string)
	return model.Meta{State: state}
}

// encodeMeta writes the Meta slot back into the outgoing payload map.
func encodeMeta(out map[string]any, meta model.Meta) {
	if meta.State == "" {
		return
	}
	existing, _ := out["meta"].(map[string]any)
	if existing == nil {
		existing = make(map[string]any, 1)
	}
	existing["state"] = meta.State
	out["meta"] = existing
}
