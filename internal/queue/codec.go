package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/fyrsmithlabs/embedpool/internal/encoder"
)

// wireMatrix packs a matrix as little-endian float32s. JSON base64-encodes
// Data, which keeps a 384-dim row at ~2KB instead of ~8KB of decimal text.
type wireMatrix struct {
	Rows int    `json:"rows"`
	Dim  int    `json:"dim"`
	Data []byte `json:"data"`
}

func packMatrix(m encoder.Matrix) (*wireMatrix, error) {
	if m == nil {
		return nil, nil
	}
	dim := m.Dim()
	data := make([]byte, 0, len(m)*dim*4)
	for i, row := range m {
		if len(row) != dim {
			return nil, fmt.Errorf("ragged matrix: row %d has %d columns, want %d", i, len(row), dim)
		}
		for _, v := range row {
			data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
		}
	}
	return &wireMatrix{Rows: len(m), Dim: dim, Data: data}, nil
}

func unpackMatrix(w *wireMatrix) (encoder.Matrix, error) {
	if w == nil {
		return nil, nil
	}
	if w.Rows < 0 || w.Dim < 0 || len(w.Data) != w.Rows*w.Dim*4 {
		return nil, fmt.Errorf("corrupt matrix: %d bytes for %dx%d", len(w.Data), w.Rows, w.Dim)
	}
	m := make(encoder.Matrix, w.Rows)
	off := 0
	for i := range m {
		row := make([]float32, w.Dim)
		for j := range row {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(w.Data[off:]))
			off += 4
		}
		m[i] = row
	}
	return m, nil
}

type wireResult struct {
	CallID     string      `json:"call_id"`
	ChunkID    int         `json:"chunk_id"`
	Embeddings *wireMatrix `json:"embeddings,omitempty"`
	Err        string      `json:"error,omitempty"`
	Device     string      `json:"device,omitempty"`
}

// MarshalJSON encodes embeddings in the packed binary form.
func (r ResultItem) MarshalJSON() ([]byte, error) {
	m, err := packMatrix(r.Embeddings)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireResult{
		CallID:     r.CallID,
		ChunkID:    r.ChunkID,
		Embeddings: m,
		Err:        r.Err,
		Device:     r.Device,
	})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (r *ResultItem) UnmarshalJSON(b []byte) error {
	var w wireResult
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	m, err := unpackMatrix(w.Embeddings)
	if err != nil {
		return err
	}
	*r = ResultItem{
		CallID:     w.CallID,
		ChunkID:    w.ChunkID,
		Embeddings: m,
		Err:        w.Err,
		Device:     w.Device,
	}
	return nil
}
