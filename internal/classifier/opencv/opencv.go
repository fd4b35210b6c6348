//go:build !nogocv

// Package opencv runs ONNX species models through the OpenCV DNN module.
package opencv

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/rotisserie/eris"
	"gocv.io/x/gocv"

	"github.com/sells-group/trapscan/internal/classifier"
)

// Net wraps a gocv network. gocv.Net is not safe for concurrent use;
// classifier.Classifier serializes calls.
type Net struct {
	net     gocv.Net
	size    int
	classes int
}

// Open implements classifier.Opener.
func Open(p classifier.Params) (classifier.Backend, error) {
	if _, err := os.Stat(p.WeightsPath); err != nil {
		return nil, eris.Wrapf(err, "opencv: model file %s", p.WeightsPath)
	}
	net := gocv.ReadNetFromONNX(p.WeightsPath)
	if net.Empty() {
		return nil, eris.Errorf("opencv: failed to load network %s", p.WeightsPath)
	}
	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		_ = net.Close()
		return nil, eris.New("opencv: failed to set preferable backend or target")
	}
	return &Net{net: net, size: p.InputSize, classes: p.Classes}, nil
}

// Forward implements classifier.Backend. The batch is packed into one
// NCHW float32 blob.
func (n *Net) Forward(batch [][]float32) ([][]float32, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	per := 3 * n.size * n.size
	buf := make([]byte, 4*per*len(batch))
	for i, t := range batch {
		if len(t) != per {
			return nil, eris.Errorf("opencv: input %d has %d values, want %d", i, len(t), per)
		}
		off := 4 * per * i
		for j, v := range t {
			binary.LittleEndian.PutUint32(buf[off+4*j:], math.Float32bits(v))
		}
	}

	blob, err := gocv.NewMatWithSizesFromBytes([]int{len(batch), 3, n.size, n.size}, gocv.MatTypeCV32F, buf)
	if err != nil {
		return nil, eris.Wrap(err, "opencv: build input blob")
	}
	defer blob.Close() //nolint:errcheck

	n.net.SetInput(blob, "")
	output := n.net.Forward("")
	defer output.Close() //nolint:errcheck

	if output.Total() != len(batch)*n.classes {
		return nil, eris.Errorf("opencv: output has %d values, want %d×%d", output.Total(), len(batch), n.classes)
	}
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, eris.Wrap(err, "opencv: read output")
	}
	out := make([][]float32, len(batch))
	for i := range out {
		out[i] = append([]float32(nil), data[i*n.classes:(i+1)*n.classes]...)
	}
	return out, nil
}

// Close implements classifier.Backend.
func (n *Net) Close() error {
	return n.net.Close()
}
