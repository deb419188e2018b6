// Package store persists packed weights as WQF files and serves them by
// name.
package store

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/samcharles93/woq/internal/quant"
	"github.com/samcharles93/woq/internal/woq"
	"github.com/samcharles93/woq/pkg/wqf"
)

var ErrLayerNotFound = errors.New("store: layer not found")

// Layer is a packed weight with its dequantization parameters and optional
// bias.
type Layer struct {
	Name   string
	Source string
	Weight *woq.PackedWeight
	Params woq.WeightParams
	Bias   []float32
}

// Info summarises a layer without its payloads.
type Info struct {
	Name       string `json:"name"`
	PackID     string `json:"pack_id"`
	QType      string `json:"qtype"`
	Lowp       string `json:"lowp"`
	N          int    `json:"n"`
	K          int    `json:"k"`
	BlockN     int    `json:"block_n"`
	BlockK     int    `json:"block_k"`
	QuantWMode string `json:"quant_w_mode"`
	GroupSize  int    `json:"group_size"`
	Symmetric  bool   `json:"symmetric"`
	HasBias    bool   `json:"has_bias"`
	Bytes      int    `json:"packed_bytes"`
	Source     string `json:"source,omitempty"`
}

func (l *Layer) Info() Info {
	w := l.Weight
	return Info{
		Name:       l.Name,
		PackID:     w.ID.String(),
		QType:      w.QType.String(),
		Lowp:       w.Lowp.String(),
		N:          w.N,
		K:          w.K,
		BlockN:     w.BlockN,
		BlockK:     w.BlockK,
		QuantWMode: l.Params.Mode().String(),
		GroupSize:  l.Params.GroupSize,
		Symmetric:  l.Params.Symmetric(),
		HasBias:    l.Bias != nil,
		Bytes:      len(w.Data),
		Source:     l.Source,
	}
}

// Save writes l to path, replacing any existing file.
func Save(path string, l *Layer) error {
	if l == nil || l.Weight == nil {
		return errors.New("store: nil layer")
	}
	w := l.Weight
	if err := w.Validate(); err != nil {
		return err
	}
	if l.Bias != nil && len(l.Bias) != w.N {
		return fmt.Errorf("%w: bias length %d for N=%d", woq.ErrShape, len(l.Bias), w.N)
	}

	meta, err := wqf.EncodeMeta(wqf.Meta{
		Name:       l.Name,
		PackID:     w.ID.String(),
		QType:      w.QType.String(),
		Lowp:       w.Lowp.String(),
		N:          w.N,
		K:          w.K,
		BlockN:     w.BlockN,
		BlockK:     w.BlockK,
		QuantWMode: l.Params.Mode().String(),
		Groups:     l.Params.Groups,
		GroupSize:  l.Params.GroupSize,
		Symmetric:  l.Params.Symmetric(),
		HasBias:    l.Bias != nil,
		Source:     l.Source,
	})
	if err != nil {
		return err
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	fw, err := wqf.NewWriter(out)
	if err != nil {
		return err
	}
	if err := fw.WriteSection(wqf.SectionMeta, 1, meta); err != nil {
		return err
	}
	if err := fw.WriteSection(wqf.SectionScales, 1, wqf.EncodeF32(l.Params.Scales)); err != nil {
		return err
	}
	if l.Params.Zeros != nil {
		if err := fw.WriteSection(wqf.SectionZeros, 1, wqf.EncodeI32(l.Params.Zeros)); err != nil {
			return err
		}
	}
	if err := fw.WriteSectionAligned(wqf.SectionPacked, 1, w.Data, wqf.PackedAlign); err != nil {
		return err
	}
	if l.Bias != nil {
		if err := fw.WriteSection(wqf.SectionBias, 1, wqf.EncodeF32(l.Bias)); err != nil {
			return err
		}
	}
	if err := fw.AddFlags(wqf.FlagPackedAligned64); err != nil {
		return err
	}
	if err := fw.Finalise(); err != nil {
		return err
	}
	return out.Close()
}

// File is an open WQF file. The packed codes of its layer alias the file
// mapping and must not be used after Close.
type File struct {
	file  *wqf.File
	layer *Layer
}

func Open(path string) (*File, error) {
	wf, err := wqf.Open(path)
	if err != nil {
		return nil, err
	}
	l, err := decodeLayer(wf)
	if err != nil {
		_ = wf.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &File{file: wf, layer: l}, nil
}

func (f *File) Layer() *Layer {
	if f == nil {
		return nil
	}
	return f.layer
}

func (f *File) Close() error {
	if f == nil || f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.layer = nil
	return err
}

func decodeLayer(wf *wqf.File) (*Layer, error) {
	meta, err := wf.Meta()
	if err != nil {
		return nil, err
	}
	qtype, err := quant.ParseQType(meta.QType)
	if err != nil {
		return nil, err
	}
	lowp, err := woq.ParseLowpMode(meta.Lowp)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(meta.PackID)
	if err != nil {
		id = uuid.New()
	}

	packed := wf.Section(wqf.SectionPacked)
	if packed == nil {
		return nil, fmt.Errorf("%w: PACKED", wqf.ErrMissingSection)
	}
	scalesSec := wf.Section(wqf.SectionScales)
	if scalesSec == nil {
		return nil, fmt.Errorf("%w: SCALES", wqf.ErrMissingSection)
	}
	scales, err := wqf.DecodeF32(wf.SectionData(scalesSec))
	if err != nil {
		return nil, err
	}
	params := woq.WeightParams{
		Scales:    scales,
		Groups:    meta.Groups,
		GroupSize: meta.GroupSize,
	}
	if !meta.Symmetric {
		zerosSec := wf.Section(wqf.SectionZeros)
		if zerosSec == nil {
			return nil, fmt.Errorf("%w: ZEROS", wqf.ErrMissingSection)
		}
		if params.Zeros, err = wqf.DecodeI32(wf.SectionData(zerosSec)); err != nil {
			return nil, err
		}
	}

	w := &woq.PackedWeight{
		ID:     id,
		QType:  qtype,
		Lowp:   lowp,
		N:      meta.N,
		K:      meta.K,
		BlockN: meta.BlockN,
		BlockK: meta.BlockK,
		Data:   wf.SectionData(packed),
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if err := params.Validate(qtype, w.N, w.K); err != nil {
		return nil, err
	}

	l := &Layer{Name: meta.Name, Source: meta.Source, Weight: w, Params: params}
	if meta.HasBias {
		biasSec := wf.Section(wqf.SectionBias)
		if biasSec == nil {
			return nil, fmt.Errorf("%w: BIAS", wqf.ErrMissingSection)
		}
		if l.Bias, err = wqf.DecodeF32(wf.SectionData(biasSec)); err != nil {
			return nil, err
		}
		if len(l.Bias) != w.N {
			return nil, fmt.Errorf("%w: bias length %d for N=%d", wqf.ErrCorruptFile, len(l.Bias), w.N)
		}
	}
	return l, nil
}
