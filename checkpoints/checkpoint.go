package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-unet/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	// FormatProto is protobuf wire records compressed with snappy
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "Proto"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// FormatForPath picks JSON for ".json" files and the compact binary format otherwise.
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatProto
}

// Checkpoint is a named snapshot of model state plus the progress that produced it
type Checkpoint struct {
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// WeightTensor is one state-dict entry: a parameter or a buffer such as running_mean
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the progress at which the checkpoint was taken
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	BestDSC      float64 `json:"best_dsc"`
	LearningRate float64 `json:"learning_rate"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// FromStateDict copies every named tensor into a list of weight records.
func FromStateDict(state []tensor.Named) []WeightTensor {
	weights := make([]WeightTensor, len(state))
	for i, named := range state {
		shape := make([]int, len(named.Tensor.Shape))
		copy(shape, named.Tensor.Shape)
		data := make([]float32, len(named.Tensor.Data))
		copy(data, named.Tensor.Data)
		weights[i] = WeightTensor{Name: named.Name, Shape: shape, Data: data}
	}
	return weights
}

// ApplyStateDict copies stored weights into the matching named tensors in place.
// Every entry of state must be present in weights with the same shape.
func ApplyStateDict(weights []WeightTensor, state []tensor.Named) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	for _, named := range state {
		w, ok := byName[named.Name]
		if !ok {
			return errors.Errorf("checkpoint has no entry for %q", named.Name)
		}
		if len(w.Shape) != len(named.Tensor.Shape) {
			return errors.Errorf("shape mismatch for %q: checkpoint %v, model %v", named.Name, w.Shape, named.Tensor.Shape)
		}
		for i := range w.Shape {
			if w.Shape[i] != named.Tensor.Shape[i] {
				return errors.Errorf("shape mismatch for %q: checkpoint %v, model %v", named.Name, w.Shape, named.Tensor.Shape)
			}
		}
		if len(w.Data) != len(named.Tensor.Data) {
			return errors.Errorf("checkpoint entry %q has %d values, expected %d", named.Name, len(w.Data), len(named.Tensor.Data))
		}
		copy(named.Tensor.Data, w.Data)
	}
	return nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint writes the checkpoint to path. An existing file is replaced
// atomically.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-unet"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var payload []byte
	switch cs.format {
	case FormatProto:
		payload = encodeCompressed(checkpoint)
	case FormatJSON:
		var err error
		payload, err = json.MarshalIndent(checkpoint, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode checkpoint")
		}
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to write checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to close checkpoint file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to move checkpoint into place")
	}
	return nil
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}

	switch cs.format {
	case FormatProto:
		return decodeCompressed(payload)
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(payload, &checkpoint); err != nil {
			return nil, errors.Wrap(err, "failed to decode checkpoint")
		}
		return &checkpoint, nil
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}
