package server

import "github.com/samcharles93/woq/internal/store"

// LinearRequest is the body of POST /v1/linear/:name.
type LinearRequest struct {
	// X holds the activation row-major. Shape defaults to [len(X)/K, K].
	X     []float32 `json:"x"`
	Shape []int     `json:"shape,omitempty"`
	// DType is the storage type of X and Y: f32 (default), f16 or bf16.
	DType       string      `json:"dtype,omitempty"`
	Fusion      string      `json:"fusion,omitempty"`
	Others      [][]float32 `json:"others,omitempty"`
	Lowp        string      `json:"lowp,omitempty"`
	QuantA      string      `json:"quant_a,omitempty"`
	QuantBlockK int         `json:"quant_block_k,omitempty"`
	KSplits     int         `json:"k_splits,omitempty"`
	NoBias      bool        `json:"no_bias,omitempty"`
}

type LinearResponse struct {
	ID        string    `json:"id"`
	Layer     string    `json:"layer"`
	Y         []float32 `json:"y"`
	Shape     []int     `json:"shape"`
	Strategy  string    `json:"strategy"`
	KSplits   int       `json:"k_splits"`
	ElapsedMS float64   `json:"elapsed_ms"`
}

type WeightsResponse struct {
	Object string       `json:"object"`
	Data   []store.Info `json:"data"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}
