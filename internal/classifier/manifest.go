package classifier

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/trapscan/internal/preprocess"
)

// ManifestFile is the optional bundle descriptor inside a model directory.
const ManifestFile = "model.yaml"

// Manifest describes a model bundle.
type Manifest struct {
	Name      string    `yaml:"name"`
	Version   string    `yaml:"version"`
	Backend   string    `yaml:"backend"`
	Weights   string    `yaml:"weights"`
	Labels    string    `yaml:"labels"`
	InputSize int       `yaml:"input_size"`
	Mean      []float32 `yaml:"mean"`
	Std       []float32 `yaml:"std"`
}

// LoadManifest reads dir/model.yaml if present and fills defaults.
// fallbackBackend is used when the manifest names none.
func LoadManifest(dir, fallbackBackend string) (*Manifest, error) {
	m := &Manifest{}
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, m); err != nil {
			return nil, eris.Wrapf(err, "classifier: parse manifest %s", path)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, eris.Wrapf(err, "classifier: read manifest %s", path)
	}

	if m.Name == "" {
		m.Name = filepath.Base(dir)
	}
	if m.Version == "" {
		m.Version = "unversioned"
	}
	if m.Backend == "" {
		m.Backend = fallbackBackend
	}
	if m.Backend == "" {
		m.Backend = BackendLinear
	}
	if m.Labels == "" {
		m.Labels = "labels.csv"
	}
	if m.Weights == "" {
		m.Weights = defaultWeights(m.Backend)
	}
	if m.InputSize <= 0 {
		m.InputSize = preprocess.DefaultSize
	}
	if len(m.Mean) != 0 && len(m.Mean) != 3 {
		return nil, eris.Errorf("classifier: manifest mean needs 3 values, got %d", len(m.Mean))
	}
	if len(m.Std) != 0 && len(m.Std) != 3 {
		return nil, eris.Errorf("classifier: manifest std needs 3 values, got %d", len(m.Std))
	}
	return m, nil
}

// Normalization returns the manifest's channel statistics, ImageNet when
// unset.
func (m *Manifest) Normalization() preprocess.Normalization {
	n := preprocess.ImageNet
	if len(m.Mean) == 3 {
		copy(n.Mean[:], m.Mean)
	}
	if len(m.Std) == 3 {
		copy(n.Std[:], m.Std)
	}
	return n
}

// Fingerprint identifies the model for cache entries.
func (m *Manifest) Fingerprint() string {
	return m.Name + "@" + m.Version
}

func defaultWeights(backend string) string {
	switch backend {
	case BackendLinear:
		return "model.safetensors"
	default:
		return "model.onnx"
	}
}
