package model

import "fmt"

// ModelKey uniquely identifies a registered entity class.
type ModelKey struct {
	Name    string
	Version int32
}

func (k ModelKey) String() string {
	return fmt.Sprintf("%s/v%d", k.Name, k.Version)
}

// Constructor builds a blank typed entity from a decoded payload map. It
// should validate required fields and return MalformedPayload-wrapped
// errors (see errors.go) when the payload doesn't satisfy the schema.
type Constructor func(raw map[string]any) (map[string]any, error)

// Serializer is the inverse of Constructor: it emits the typed-field view
// of an entity as a plain map so the codec can overlay it on the passthrough
// Raw map.
type Serializer func(fields map[string]any) (map[string]any, error)

// EntityDescriptor is the registration record for one entity class. Every
// class registered in the codec must have a unique (Name, Version) pair.
type EntityDescriptor struct {
	Name        string
	Version     int32
	Schema      []string // required field names Codec.Decode checks before calling the Constructor
	Constructor Constructor
	Serializer  Serializer
}

// Key returns the descriptor's registration key.
func (d EntityDescriptor) Key() ModelKey {
	return ModelKey{Name: d.Name, Version: d.Version}
}
