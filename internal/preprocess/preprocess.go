// Package preprocess turns image files into normalized model input tensors.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// DefaultSize is the square input edge expected by the bundled models.
const DefaultSize = 224

// Normalization holds per-channel mean and standard deviation in RGB order.
type Normalization struct {
	Mean [3]float32
	Std  [3]float32
}

// ImageNet is the normalization used by ImageNet-pretrained backbones.
var ImageNet = Normalization{
	Mean: [3]float32{0.485, 0.456, 0.406},
	Std:  [3]float32{0.229, 0.224, 0.225},
}

// DecodeError marks a frame that could not be read or decoded.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("preprocess: decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Item is the preprocessed form of one frame. Err is a *DecodeError when
// the frame must be excluded from inference.
type Item struct {
	Path        string
	Tensor      []float32 // CHW, len = 3*Size*Size
	CaptureTime *time.Time
	Hash        string
	Err         error
}

// Preprocessor is stateless after construction and safe for concurrent use.
type Preprocessor struct {
	size int
	norm Normalization
}

// New returns a Preprocessor producing size×size tensors.
func New(size int, norm Normalization) *Preprocessor {
	if size <= 0 {
		size = DefaultSize
	}
	for i := range norm.Std {
		if norm.Std[i] == 0 {
			norm.Std[i] = 1
		}
	}
	return &Preprocessor{size: size, norm: norm}
}

// Size returns the tensor edge length.
func (p *Preprocessor) Size() int {
	return p.size
}

// Prepare reads, decodes and normalizes one file. Metadata and hashing are
// best-effort and never fail the item.
func (p *Preprocessor) Prepare(path string) Item {
	item := Item{Path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		item.Err = &DecodeError{Path: path, Err: err}
		return item
	}
	img, err := p.Decode(data)
	if err != nil {
		item.Err = &DecodeError{Path: path, Err: err}
		return item
	}
	resized := p.resize(img)
	item.Tensor = p.tensor(resized)
	item.CaptureTime = CaptureTime(data, formatFor(path))
	item.Hash = Hash(resized)
	return item
}

// Decode decodes JPEG, PNG or WebP bytes.
func (p *Preprocessor) Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrap(err, "preprocess: decode image")
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, eris.New("preprocess: image has no pixels")
	}
	return img, nil
}

// Tensor resizes img and returns its normalized CHW tensor.
func (p *Preprocessor) Tensor(img image.Image) []float32 {
	return p.tensor(p.resize(img))
}

func (p *Preprocessor) resize(img image.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, p.size, p.size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

func (p *Preprocessor) tensor(img *image.RGBA) []float32 {
	hw := p.size * p.size
	out := make([]float32, 3*hw)
	for y := 0; y < p.size; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < p.size; x++ {
			px := row[x*4:]
			idx := y*p.size + x
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255
				out[c*hw+idx] = (v - p.norm.Mean[c]) / p.norm.Std[c]
			}
		}
	}
	return out
}

func formatFor(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}
