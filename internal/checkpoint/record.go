package checkpoint

import (
	"bytes"
	"compress/gzip"
	"io"
	"math"
	"os"
	"sort"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Precision selects how tensor values are stored on disk.
type Precision int

const (
	// Full stores float64 values and round-trips exactly.
	Full Precision = iota
	// Compact stores float32 values.
	Compact
)

const formatVersion = 1

// ErrCorrupt is returned when a record cannot be decoded.
var ErrCorrupt = errors.New("checkpoint: corrupt record")

// NamedTensor is a serialized parameter or optimizer buffer.
type NamedTensor struct {
	Name  string
	Shape []int
	Data  []float64
}

// Record is the unit written to disk: a set of named tensors plus metadata.
type Record struct {
	Kind    string
	Epoch   int
	Meta    map[string]string
	Tensors []NamedTensor
}

// Tensor returns the tensor stored under name.
func (r Record) Tensor(name string) (NamedTensor, bool) {
	for _, t := range r.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return NamedTensor{}, false
}

// Recorder encodes records in protobuf wire format and gzips them.
type Recorder struct {
	Precision Precision
}

// CompactRecorder stores float32 values, halving checkpoint size.
func CompactRecorder() Recorder { return Recorder{Precision: Compact} }

// FullRecorder stores values losslessly.
func FullRecorder() Recorder { return Recorder{Precision: Full} }

// Record fields.
const (
	fieldVersion protowire.Number = 1
	fieldKind    protowire.Number = 2
	fieldEpoch   protowire.Number = 3
	fieldMeta    protowire.Number = 4
	fieldTensor  protowire.Number = 5
)

// NamedTensor fields.
const (
	fieldName   protowire.Number = 1
	fieldShape  protowire.Number = 2
	fieldData32 protowire.Number = 3
	fieldData64 protowire.Number = 4
)

// Meta entry fields.
const (
	fieldMetaKey protowire.Number = 1
	fieldMetaVal protowire.Number = 2
)

// Marshal encodes rec without compression.
func (rc Recorder) Marshal(rec Record) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, formatVersion)
	b = protowire.AppendTag(b, fieldKind, protowire.BytesType)
	b = protowire.AppendString(b, rec.Kind)
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.Epoch))

	keys := make([]string, 0, len(rec.Meta))
	for k := range rec.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldMetaKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, fieldMetaVal, protowire.BytesType)
		entry = protowire.AppendString(entry, rec.Meta[k])
		b = protowire.AppendTag(b, fieldMeta, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	for _, t := range rec.Tensors {
		b = protowire.AppendTag(b, fieldTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, rc.marshalTensor(t))
	}
	return b
}

func (rc Recorder) marshalTensor(t NamedTensor) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, t.Name)

	var shape []byte
	for _, d := range t.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, fieldShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	var data []byte
	field := fieldData64
	if rc.Precision == Compact {
		field = fieldData32
		for _, v := range t.Data {
			data = protowire.AppendFixed32(data, math.Float32bits(float32(v)))
		}
	} else {
		for _, v := range t.Data {
			data = protowire.AppendFixed64(data, math.Float64bits(v))
		}
	}
	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

// Unmarshal decodes a record produced by Marshal with either precision.
func (rc Recorder) Unmarshal(b []byte) (Record, error) {
	rec := Record{Meta: map[string]string{}}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, errors.Wrap(ErrCorrupt, protowire.ParseError(n).Error())
		}
		b = b[n:]
		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, errors.Wrap(ErrCorrupt, "version")
			}
			if v != formatVersion {
				return Record{}, errors.Errorf("checkpoint: unsupported format version %d", v)
			}
			b = b[n:]
		case num == fieldKind && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Record{}, errors.Wrap(ErrCorrupt, "kind")
			}
			rec.Kind = v
			b = b[n:]
		case num == fieldEpoch && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, errors.Wrap(ErrCorrupt, "epoch")
			}
			rec.Epoch = int(v)
			b = b[n:]
		case num == fieldMeta && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, errors.Wrap(ErrCorrupt, "meta")
			}
			k, val, err := unmarshalMeta(v)
			if err != nil {
				return Record{}, err
			}
			rec.Meta[k] = val
			b = b[n:]
		case num == fieldTensor && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, errors.Wrap(ErrCorrupt, "tensor")
			}
			t, err := unmarshalTensor(v)
			if err != nil {
				return Record{}, err
			}
			rec.Tensors = append(rec.Tensors, t)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, errors.Wrapf(ErrCorrupt, "field %d", num)
			}
			b = b[n:]
		}
	}
	return rec, nil
}

func unmarshalMeta(b []byte) (string, string, error) {
	var key, val string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return "", "", errors.Wrap(ErrCorrupt, "meta entry")
		}
		b = b[n:]
		s, n := protowire.ConsumeString(b)
		if n < 0 {
			return "", "", errors.Wrap(ErrCorrupt, "meta entry")
		}
		b = b[n:]
		switch num {
		case fieldMetaKey:
			key = s
		case fieldMetaVal:
			val = s
		}
	}
	return key, val, nil
}

func unmarshalTensor(b []byte) (NamedTensor, error) {
	var t NamedTensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return NamedTensor{}, errors.Wrap(ErrCorrupt, "tensor field")
		}
		b = b[n:]
		payload, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return NamedTensor{}, errors.Wrap(ErrCorrupt, "tensor payload")
		}
		b = b[n:]
		switch num {
		case fieldName:
			t.Name = string(payload)
		case fieldShape:
			for len(payload) > 0 {
				d, n := protowire.ConsumeVarint(payload)
				if n < 0 {
					return NamedTensor{}, errors.Wrap(ErrCorrupt, "tensor shape")
				}
				t.Shape = append(t.Shape, int(d))
				payload = payload[n:]
			}
		case fieldData32:
			t.Data = make([]float64, 0, len(payload)/4)
			for len(payload) > 0 {
				v, n := protowire.ConsumeFixed32(payload)
				if n < 0 {
					return NamedTensor{}, errors.Wrap(ErrCorrupt, "tensor data")
				}
				t.Data = append(t.Data, float64(math.Float32frombits(v)))
				payload = payload[n:]
			}
		case fieldData64:
			t.Data = make([]float64, 0, len(payload)/8)
			for len(payload) > 0 {
				v, n := protowire.ConsumeFixed64(payload)
				if n < 0 {
					return NamedTensor{}, errors.Wrap(ErrCorrupt, "tensor data")
				}
				t.Data = append(t.Data, math.Float64frombits(v))
				payload = payload[n:]
			}
		}
	}
	size := 1
	for _, d := range t.Shape {
		size *= d
	}
	if size != len(t.Data) {
		return NamedTensor{}, errors.Wrapf(ErrCorrupt, "tensor %s: shape %v holds %d values", t.Name, t.Shape, len(t.Data))
	}
	return t, nil
}

// Save writes rec gzip-compressed to path via a temporary file and rename.
func (rc Recorder) Save(path string, rec Record) error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(rc.Marshal(rec)); err != nil {
		return errors.Wrap(err, "compress record")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "compress record")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "rename %s", tmp)
	}
	return nil
}

// Load reads a record written by Save.
func (rc Recorder) Load(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return Record{}, errors.Wrapf(ErrCorrupt, "%s: %v", path, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return Record{}, errors.Wrapf(ErrCorrupt, "%s: %v", path, err)
	}
	rec, err := rc.Unmarshal(raw)
	if err != nil {
		return Record{}, errors.Wrapf(err, "decode %s", path)
	}
	return rec, nil
}
