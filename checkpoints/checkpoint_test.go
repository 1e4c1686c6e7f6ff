package checkpoints

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-unet/tensor"
)

func testState() []tensor.Named {
	return []tensor.Named{
		{Name: "encoder1.enc1conv1.weight", Tensor: tensor.MustNew([]int{2, 1, 3, 3}, []float32{
			1, -2, 3, 4.5, 5, 6, 7, 8, 9,
			-1, 0.25, 0, 0, 1e-7, 0, 0, 0, 42,
		})},
		{Name: "encoder1.enc1norm1.running_mean", Tensor: tensor.MustNew([]int{2}, []float32{0.1, -0.2})},
	}
}

func TestCheckpointSaveLoad(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatProto, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "unet.ckpt")
			saver := NewCheckpointSaver(format)

			created := time.Unix(1700000000, 123)
			checkpoint := &Checkpoint{
				Weights: FromStateDict(testState()),
				TrainingState: TrainingState{
					Epoch:        3,
					Step:         120,
					BestDSC:      0.6666666666666666,
					LearningRate: 1e-4,
				},
				Metadata: CheckpointMetadata{
					Version:     "1.0.0",
					Framework:   "go-unet",
					CreatedAt:   created,
					Description: "best validation DSC",
				},
			}
			require.NoError(t, saver.SaveCheckpoint(checkpoint, path))

			loaded, err := saver.LoadCheckpoint(path)
			require.NoError(t, err)

			assert.Equal(t, checkpoint.Weights, loaded.Weights)
			assert.Equal(t, checkpoint.TrainingState, loaded.TrainingState)
			assert.Equal(t, "go-unet", loaded.Metadata.Framework)
			assert.Equal(t, "best validation DSC", loaded.Metadata.Description)
			assert.True(t, created.Equal(loaded.Metadata.CreatedAt))

			// no temp files are left behind
			entries, err := os.ReadDir(filepath.Dir(path))
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestApplyStateDict(t *testing.T) {
	weights := FromStateDict(testState())

	t.Run("restores values", func(t *testing.T) {
		target := testState()
		for _, n := range target {
			for i := range n.Tensor.Data {
				n.Tensor.Data[i] = 0
			}
		}
		require.NoError(t, ApplyStateDict(weights, target))
		for i, n := range testState() {
			assert.True(t, tensor.Equal(n.Tensor, target[i].Tensor), n.Name)
		}
	})

	t.Run("missing entry", func(t *testing.T) {
		target := append(testState(), tensor.Named{Name: "final.bias", Tensor: tensor.MustNew([]int{1}, nil)})
		assert.Error(t, ApplyStateDict(weights, target))
	})

	t.Run("shape mismatch", func(t *testing.T) {
		target := []tensor.Named{{Name: "encoder1.enc1norm1.running_mean", Tensor: tensor.MustNew([]int{3}, nil)}}
		assert.Error(t, ApplyStateDict(weights, target))
	})
}

func TestFromStateDictCopies(t *testing.T) {
	state := testState()
	weights := FromStateDict(state)
	state[0].Tensor.Data[0] = 100
	assert.Equal(t, float32(1), weights[0].Data[0])
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ckpt")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a checkpoint"), 0o644))

	_, err := NewCheckpointSaver(FormatProto).LoadCheckpoint(path)
	assert.Error(t, err)

	_, err = NewCheckpointSaver(FormatProto).LoadCheckpoint(filepath.Join(t.TempDir(), "missing.ckpt"))
	assert.Error(t, err)
}

func TestFormatForPath(t *testing.T) {
	assert.Equal(t, FormatJSON, FormatForPath("weights/unet.JSON"))
	assert.Equal(t, FormatProto, FormatForPath("weights/unet.ckpt"))
}
