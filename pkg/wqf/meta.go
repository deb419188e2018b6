package wqf

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Meta is the JSON payload of the META section.
type Meta struct {
	Name       string `json:"name,omitempty"`
	PackID     string `json:"pack_id"`
	QType      string `json:"qtype"`
	Lowp       string `json:"lowp"`
	N          int    `json:"n"`
	K          int    `json:"k"`
	BlockN     int    `json:"block_n"`
	BlockK     int    `json:"block_k"`
	QuantWMode string `json:"quant_w_mode"`
	Groups     int    `json:"groups"`
	GroupSize  int    `json:"group_size"`
	Symmetric  bool   `json:"symmetric"`
	HasBias    bool   `json:"has_bias"`
	Source     string `json:"source,omitempty"`
}

// EncodeMeta serialises m for the META section.
func EncodeMeta(m Meta) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMeta parses a META section payload.
func DecodeMeta(b []byte) (Meta, error) {
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, fmt.Errorf("%w: meta: %v", ErrCorruptFile, err)
	}
	if m.N <= 0 || m.K <= 0 || m.Groups <= 0 || m.GroupSize <= 0 {
		return Meta{}, fmt.Errorf("%w: meta shape [%d,%d] groups %d×%d", ErrCorruptFile, m.N, m.K, m.Groups, m.GroupSize)
	}
	return m, nil
}
