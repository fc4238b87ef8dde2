package queue

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Codec encodes payloads and results. The stored codec id on a message
// selects the decoder at dequeue time.
type Codec interface {
	ID() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default codec.
type JSONCodec struct{}

func (JSONCodec) ID() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CodecRegistry maps codec ids to codecs. Registration happens at
// startup; re-registering an id replaces the codec.
type CodecRegistry struct {
	mu        sync.RWMutex
	codecs    map[string]Codec
	defaultID string
}

func NewCodecRegistry() *CodecRegistry {
	r := &CodecRegistry{codecs: make(map[string]Codec), defaultID: "json"}
	r.codecs["json"] = JSONCodec{}
	return r
}

func (r *CodecRegistry) Register(c Codec) error {
	if c == nil {
		return fmt.Errorf("nil codec")
	}
	id := c.ID()
	if id == "" {
		return fmt.Errorf("codec ID() is empty")
	}
	r.mu.Lock()
	r.codecs[id] = c
	r.mu.Unlock()
	return nil
}

func (r *CodecRegistry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codecs[id]; !ok {
		return ErrCodecNotFound(id)
	}
	r.defaultID = id
	return nil
}

func (r *CodecRegistry) Default() Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.codecs[r.defaultID]
}

func (r *CodecRegistry) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}

// Get returns the codec for id, or CodecNotFound.
func (r *CodecRegistry) Get(id string) (Codec, error) {
	r.mu.RLock()
	c, ok := r.codecs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrCodecNotFound(id)
	}
	return c, nil
}
