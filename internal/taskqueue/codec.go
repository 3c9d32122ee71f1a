package taskqueue

import (
	"bytes"
	"encoding/gob"
)

// EncodeTask serializes a whole task with encoding/gob. Backends that store
// tasks as opaque blobs (for example the Redis queue) use this instead of
// per-field columns.
func EncodeTask(t Task) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTask deserializes data produced by EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := gob.NewDecoder(bytes.NewBuffer(data)).Decode(&t); err != nil {
		return nil, err
	}
	return &t, nil
}
