package checkpoints

import (
	"bytes"
	"math"
	"time"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// magic prefixes every binary checkpoint file.
var magic = []byte("UNETCKP1")

// Field numbers of the checkpoint records.
//
//	Checkpoint     { 1: Metadata, 2: TrainingState, 3: repeated WeightTensor }
//	Metadata       { 1: version, 2: framework, 3: created_at (unix nanos), 4: description }
//	TrainingState  { 1: epoch, 2: step, 3: best_dsc (double), 4: learning_rate (double) }
//	WeightTensor   { 1: name, 2: shape (packed varint), 3: data (packed fixed32) }
const (
	fieldMetadata      protowire.Number = 1
	fieldTrainingState protowire.Number = 2
	fieldWeight        protowire.Number = 3

	fieldVersion     protowire.Number = 1
	fieldFramework   protowire.Number = 2
	fieldCreatedAt   protowire.Number = 3
	fieldDescription protowire.Number = 4

	fieldEpoch        protowire.Number = 1
	fieldStep         protowire.Number = 2
	fieldBestDSC      protowire.Number = 3
	fieldLearningRate protowire.Number = 4

	fieldName  protowire.Number = 1
	fieldShape protowire.Number = 2
	fieldData  protowire.Number = 3
)

func encodeCompressed(c *Checkpoint) []byte {
	raw := marshalCheckpoint(c)
	out := make([]byte, 0, len(magic)+snappy.MaxEncodedLen(len(raw)))
	out = append(out, magic...)
	return append(out, snappy.Encode(nil, raw)...)
}

func decodeCompressed(payload []byte) (*Checkpoint, error) {
	if !bytes.HasPrefix(payload, magic) {
		return nil, errors.New("not a checkpoint file: bad magic")
	}
	raw, err := snappy.Decode(nil, payload[len(magic):])
	if err != nil {
		return nil, errors.Wrap(err, "failed to decompress checkpoint")
	}
	return unmarshalCheckpoint(raw)
}

func marshalCheckpoint(c *Checkpoint) []byte {
	var meta []byte
	meta = protowire.AppendTag(meta, fieldVersion, protowire.BytesType)
	meta = protowire.AppendString(meta, c.Metadata.Version)
	meta = protowire.AppendTag(meta, fieldFramework, protowire.BytesType)
	meta = protowire.AppendString(meta, c.Metadata.Framework)
	meta = protowire.AppendTag(meta, fieldCreatedAt, protowire.VarintType)
	meta = protowire.AppendVarint(meta, uint64(c.Metadata.CreatedAt.UnixNano()))
	if c.Metadata.Description != "" {
		meta = protowire.AppendTag(meta, fieldDescription, protowire.BytesType)
		meta = protowire.AppendString(meta, c.Metadata.Description)
	}

	var state []byte
	state = protowire.AppendTag(state, fieldEpoch, protowire.VarintType)
	state = protowire.AppendVarint(state, protowire.EncodeZigZag(int64(c.TrainingState.Epoch)))
	state = protowire.AppendTag(state, fieldStep, protowire.VarintType)
	state = protowire.AppendVarint(state, protowire.EncodeZigZag(int64(c.TrainingState.Step)))
	state = protowire.AppendTag(state, fieldBestDSC, protowire.Fixed64Type)
	state = protowire.AppendFixed64(state, math.Float64bits(c.TrainingState.BestDSC))
	state = protowire.AppendTag(state, fieldLearningRate, protowire.Fixed64Type)
	state = protowire.AppendFixed64(state, math.Float64bits(c.TrainingState.LearningRate))

	var b []byte
	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, meta)
	b = protowire.AppendTag(b, fieldTrainingState, protowire.BytesType)
	b = protowire.AppendBytes(b, state)

	for _, w := range c.Weights {
		var rec []byte
		rec = protowire.AppendTag(rec, fieldName, protowire.BytesType)
		rec = protowire.AppendString(rec, w.Name)

		var shape []byte
		for _, d := range w.Shape {
			shape = protowire.AppendVarint(shape, uint64(d))
		}
		rec = protowire.AppendTag(rec, fieldShape, protowire.BytesType)
		rec = protowire.AppendBytes(rec, shape)

		data := make([]byte, 0, 4*len(w.Data))
		for _, v := range w.Data {
			data = protowire.AppendFixed32(data, math.Float32bits(v))
		}
		rec = protowire.AppendTag(rec, fieldData, protowire.BytesType)
		rec = protowire.AppendBytes(rec, data)

		b = protowire.AppendTag(b, fieldWeight, protowire.BytesType)
		b = protowire.AppendBytes(b, rec)
	}
	return b
}

// walkFields calls fn for every top-level field of a message. fn returns the
// number of bytes it consumed, or -1 to let the field be skipped.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return nil
}

func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func unmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return -1, nil
		}
		v, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		switch num {
		case fieldMetadata:
			err = unmarshalMetadata(v, &c.Metadata)
		case fieldTrainingState:
			err = unmarshalTrainingState(v, &c.TrainingState)
		case fieldWeight:
			var w WeightTensor
			err = unmarshalWeight(v, &w)
			c.Weights = append(c.Weights, w)
		}
		return n, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	return c, nil
}

func unmarshalMetadata(b []byte, m *CheckpointMetadata) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldCreatedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			m.CreatedAt = time.Unix(0, int64(v))
			return n, nil
		case typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			switch num {
			case fieldVersion:
				m.Version = string(v)
			case fieldFramework:
				m.Framework = string(v)
			case fieldDescription:
				m.Description = string(v)
			}
			return n, nil
		}
		return -1, nil
	})
}

func unmarshalTrainingState(b []byte, s *TrainingState) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			switch num {
			case fieldEpoch:
				s.Epoch = int(protowire.DecodeZigZag(v))
			case fieldStep:
				s.Step = int(protowire.DecodeZigZag(v))
			}
			return n, nil
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			switch num {
			case fieldBestDSC:
				s.BestDSC = math.Float64frombits(v)
			case fieldLearningRate:
				s.LearningRate = math.Float64frombits(v)
			}
			return n, nil
		}
		return -1, nil
	})
}

func unmarshalWeight(b []byte, w *WeightTensor) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return -1, nil
		}
		v, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		switch num {
		case fieldName:
			w.Name = string(v)
		case fieldShape:
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				w.Shape = append(w.Shape, int(d))
				v = v[m:]
			}
		case fieldData:
			if len(v)%4 != 0 {
				return 0, errors.Errorf("weight %q data is %d bytes, not a multiple of 4", w.Name, len(v))
			}
			w.Data = make([]float32, 0, len(v)/4)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed32(v)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				w.Data = append(w.Data, math.Float32frombits(bits))
				v = v[m:]
			}
		}
		return n, nil
	})
}
