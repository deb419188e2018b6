package store

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/woq/internal/logger"
	"github.com/samcharles93/woq/internal/quant"
	"github.com/samcharles93/woq/internal/tensor"
	"github.com/samcharles93/woq/internal/woq"
	"github.com/samcharles93/woq/pkg/wqf"
)

func testLayer(t *testing.T, name string, qtype quant.QType, sym bool, bias bool) *Layer {
	t.Helper()
	const n, k = 32, 64
	raw := tensor.NewMat(n, k)
	tensor.FillRandRange(&raw, 7, 1)
	q, err := quant.QuantizeWeight(raw.Data, n, k, qtype, 32, sym)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	w, err := woq.Pack(nil, q.Codes, qtype, n, k, woq.PackOptions{BlockN: 16, BlockK: 32})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	l := &Layer{Name: name, Source: "test", Weight: w, Params: woq.ParamsFromWeight(q)}
	if bias {
		l.Bias = make([]float32, n)
		for i := range l.Bias {
			l.Bias[i] = float32(i) * 0.25
		}
	}
	return l
}

func TestSaveOpenRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		qtype quant.QType
		sym   bool
		bias  bool
	}{
		{"int8_asym_bias", quant.QTypeInt8, false, true},
		{"int4_sym", quant.QTypeInt4, true, false},
		{"nf4", quant.QTypeNF4, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := testLayer(t, tt.name, tt.qtype, tt.sym, tt.bias)
			path := filepath.Join(t.TempDir(), tt.name+Ext)
			if err := Save(path, src); err != nil {
				t.Fatalf("save: %v", err)
			}

			f, err := Open(path)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer func() {
				if cerr := f.Close(); cerr != nil {
					t.Fatalf("close: %v", cerr)
				}
			}()

			got := f.Layer()
			if got.Name != tt.name || got.Source != "test" {
				t.Fatalf("name/source mismatch: %q %q", got.Name, got.Source)
			}
			if got.Weight.ID != src.Weight.ID {
				t.Fatalf("pack id mismatch: got %s want %s", got.Weight.ID, src.Weight.ID)
			}
			if got.Weight.QType != tt.qtype || got.Weight.BlockN != 16 || got.Weight.BlockK != 32 {
				t.Fatalf("weight header mismatch: %+v", got.Weight)
			}
			if string(got.Weight.Data) != string(src.Weight.Data) {
				t.Fatalf("packed data mismatch")
			}
			if len(got.Params.Scales) != len(src.Params.Scales) {
				t.Fatalf("scales length mismatch")
			}
			for i := range got.Params.Scales {
				if got.Params.Scales[i] != src.Params.Scales[i] {
					t.Fatalf("scale %d: got %v want %v", i, got.Params.Scales[i], src.Params.Scales[i])
				}
			}
			if (got.Params.Zeros == nil) != (src.Params.Zeros == nil) {
				t.Fatalf("zero points presence mismatch")
			}
			for i := range got.Params.Zeros {
				if got.Params.Zeros[i] != src.Params.Zeros[i] {
					t.Fatalf("zero %d mismatch", i)
				}
			}
			if (got.Bias == nil) != tt.bias {
				t.Fatalf("bias presence mismatch")
			}
			for i := range got.Bias {
				if got.Bias[i] != src.Bias[i] {
					t.Fatalf("bias %d mismatch", i)
				}
			}
		})
	}
}

func TestOpenRejectsMissingSections(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad"+Ext)
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	w, err := wqf.NewWriter(out)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	meta, err := wqf.EncodeMeta(wqf.Meta{
		PackID: "x", QType: "int8", Lowp: "none", N: 16, K: 32,
		Groups: 1, GroupSize: 32, Symmetric: true,
	})
	if err != nil {
		t.Fatalf("encode meta: %v", err)
	}
	if err := w.WriteSection(wqf.SectionMeta, 1, meta); err != nil {
		t.Fatalf("write meta: %v", err)
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	_ = out.Close()

	if _, err := Open(path); !errors.Is(err, wqf.ErrMissingSection) {
		t.Fatalf("expected missing section error, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"b_proj", "a_proj"} {
		if err := Save(filepath.Join(dir, name+Ext), testLayer(t, name, quant.QTypeInt8, false, false)); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}
	unnamed := testLayer(t, "", quant.QTypeInt4, true, false)
	if err := Save(filepath.Join(dir, "c_proj"+Ext), unnamed); err != nil {
		t.Fatalf("save unnamed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	r, err := OpenDir(dir, logger.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open dir: %v", err)
	}
	defer func() { _ = r.Close() }()

	if r.Len() != 3 {
		t.Fatalf("len: got %d want 3", r.Len())
	}
	infos := r.List()
	want := []string{"a_proj", "b_proj", "c_proj"}
	for i, info := range infos {
		if info.Name != want[i] {
			t.Fatalf("list[%d]: got %q want %q", i, info.Name, want[i])
		}
	}
	if infos[2].QType != "int4" || !infos[2].Symmetric {
		t.Fatalf("c_proj info mismatch: %+v", infos[2])
	}

	l, err := r.Get("a_proj")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if l.Weight.N != 32 || l.Weight.K != 64 {
		t.Fatalf("a_proj shape mismatch: %dx%d", l.Weight.N, l.Weight.K)
	}
	if _, err := r.Get("missing"); !errors.Is(err, ErrLayerNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
