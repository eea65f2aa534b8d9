// Package store provides Durable Store backends for conversation state and
// compaction job records.
package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/szaher/convmem/internal/memory"
)

// ErrEmptyKey is returned for operations on an empty conversation key.
var ErrEmptyKey = errors.New("empty conversation key")

// stateDocument is the serialized form shared by every backend.
type stateDocument struct {
	History []memory.Turn `json:"history"`
	Summary string        `json:"summary"`
}

func encodeState(s memory.State) ([]byte, error) {
	doc := stateDocument{History: s.History, Summary: s.Summary}
	if doc.History == nil {
		doc.History = []memory.Turn{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

func decodeState(data []byte) (memory.State, error) {
	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return memory.State{}, fmt.Errorf("decode state: %w", err)
	}
	return memory.State{History: doc.History, Summary: doc.Summary}, nil
}

func checkKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return nil
}
