package classifier

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"

	"github.com/rotisserie/eris"
)

// maxHeaderSize bounds the safetensors JSON header.
const maxHeaderSize = 100 << 20

type tensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Linear is an affine head over an average-pooled input: logits =
// W·pool(x) + b. Weights come from a safetensors file holding "weight"
// [C, 3·P·P] and "bias" [C], all F32.
type Linear struct {
	weight  []float32
	bias    []float32
	classes int
	pooled  int // P
	size    int // input edge S, a multiple of P
}

// OpenLinear loads a Linear backend.
func OpenLinear(params Params) (Backend, error) {
	tensors, err := readSafetensors(params.WeightsPath)
	if err != nil {
		return nil, err
	}
	w, ok := tensors["weight"]
	if !ok {
		return nil, eris.New("classifier: safetensors missing \"weight\"")
	}
	b, ok := tensors["bias"]
	if !ok {
		return nil, eris.New("classifier: safetensors missing \"bias\"")
	}
	if len(w.shape) != 2 || len(b.shape) != 1 || w.shape[0] != b.shape[0] {
		return nil, eris.Errorf("classifier: weight %v and bias %v shapes disagree", w.shape, b.shape)
	}
	classes, features := w.shape[0], w.shape[1]
	if params.Classes > 0 && classes != params.Classes {
		return nil, eris.Errorf("classifier: model has %d outputs, label list has %d", classes, params.Classes)
	}
	if features%3 != 0 {
		return nil, eris.Errorf("classifier: feature count %d not divisible by 3 channels", features)
	}
	p := int(math.Round(math.Sqrt(float64(features / 3))))
	if p*p*3 != features {
		return nil, eris.Errorf("classifier: feature count %d is not 3·P·P", features)
	}
	if params.InputSize%p != 0 {
		return nil, eris.Errorf("classifier: input size %d not a multiple of pooled size %d", params.InputSize, p)
	}
	return &Linear{
		weight:  w.data,
		bias:    b.data,
		classes: classes,
		pooled:  p,
		size:    params.InputSize,
	}, nil
}

// Forward implements Backend.
func (l *Linear) Forward(batch [][]float32) ([][]float32, error) {
	out := make([][]float32, len(batch))
	features := 3 * l.pooled * l.pooled
	for i, x := range batch {
		if len(x) != 3*l.size*l.size {
			return nil, eris.Errorf("classifier: input %d has %d values, want %d", i, len(x), 3*l.size*l.size)
		}
		pooled := l.pool(x)
		logits := make([]float32, l.classes)
		for c := 0; c < l.classes; c++ {
			row := l.weight[c*features : (c+1)*features]
			sum := l.bias[c]
			for j, v := range pooled {
				sum += row[j] * v
			}
			logits[c] = sum
		}
		out[i] = logits
	}
	return out, nil
}

// Close implements Backend.
func (l *Linear) Close() error { return nil }

func (l *Linear) pool(x []float32) []float32 {
	k := l.size / l.pooled
	hw := l.size * l.size
	inv := 1 / float32(k*k)
	out := make([]float32, 3*l.pooled*l.pooled)
	for c := 0; c < 3; c++ {
		plane := x[c*hw : (c+1)*hw]
		for py := 0; py < l.pooled; py++ {
			for px := 0; px < l.pooled; px++ {
				var sum float32
				for y := py * k; y < (py+1)*k; y++ {
					for xx := px * k; xx < (px+1)*k; xx++ {
						sum += plane[y*l.size+xx]
					}
				}
				out[c*l.pooled*l.pooled+py*l.pooled+px] = sum * inv
			}
		}
	}
	return out
}

type tensor struct {
	shape []int
	data  []float32
}

func readSafetensors(path string) (map[string]tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "classifier: open weights %s", path)
	}
	defer f.Close() //nolint:errcheck

	var n uint64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, eris.Wrap(err, "classifier: read safetensors header size")
	}
	if n == 0 || n > maxHeaderSize {
		return nil, eris.Errorf("classifier: implausible safetensors header size %d", n)
	}
	header := make([]byte, n)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, eris.Wrap(err, "classifier: read safetensors header")
	}
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, eris.Wrap(err, "classifier: parse safetensors header")
	}
	body, err := io.ReadAll(f)
	if err != nil {
		return nil, eris.Wrap(err, "classifier: read safetensors data")
	}

	out := make(map[string]tensor, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, eris.Wrapf(err, "classifier: tensor %s", name)
		}
		if info.DType != "F32" {
			return nil, eris.Errorf("classifier: tensor %s has dtype %s, want F32", name, info.DType)
		}
		begin, end := info.DataOffsets[0], info.DataOffsets[1]
		if begin < 0 || end < begin || end > int64(len(body)) {
			return nil, eris.Errorf("classifier: tensor %s offsets [%d,%d] out of range", name, begin, end)
		}
		count := 1
		for _, d := range info.Shape {
			count *= d
		}
		if int64(count*4) != end-begin {
			return nil, eris.Errorf("classifier: tensor %s shape %v does not match %d bytes", name, info.Shape, end-begin)
		}
		data := make([]float32, count)
		chunk := body[begin:end]
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(chunk[i*4:]))
		}
		out[name] = tensor{shape: info.Shape, data: data}
	}
	return out, nil
}
