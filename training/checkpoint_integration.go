package training

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tsawler/go-unet/checkpoints"
	"github.com/tsawler/go-unet/tensor"
)

// CheckpointConfig configures where the best model is kept
type CheckpointConfig struct {
	SaveDirectory string                       // Directory to save the checkpoint in
	Filename      string                       // File name inside SaveDirectory
	Format        checkpoints.CheckpointFormat // Proto or JSON
}

// DefaultCheckpointConfig returns the layout used by the training command
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory: "./weights",
		Filename:      "unet.ckpt",
		Format:        checkpoints.FormatProto,
	}
}

// CheckpointManager keeps a single checkpoint file holding the best model so far
type CheckpointManager struct {
	config CheckpointConfig
	saver  *checkpoints.CheckpointSaver
	saves  int
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig) *CheckpointManager {
	return &CheckpointManager{
		config: config,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
	}
}

// Path returns the checkpoint file location
func (cm *CheckpointManager) Path() string {
	return filepath.Join(cm.config.SaveDirectory, cm.config.Filename)
}

// Saves returns how many times the checkpoint was written
func (cm *CheckpointManager) Saves() int {
	return cm.saves
}

// SaveCheckpoint snapshots the model's state dict, replacing any previous file
func (cm *CheckpointManager) SaveCheckpoint(model Model, state checkpoints.TrainingState) error {
	if err := os.MkdirAll(cm.config.SaveDirectory, 0o755); err != nil {
		return errors.Wrap(err, "failed to create checkpoint directory")
	}

	checkpoint := &checkpoints.Checkpoint{
		Weights:       checkpoints.FromStateDict(model.StateDict()),
		TrainingState: state,
	}
	checkpoint.Metadata.Description = fmt.Sprintf("Best checkpoint - epoch %d, mean DSC %.4f", state.Epoch, state.BestDSC)

	if err := cm.saver.SaveCheckpoint(checkpoint, cm.Path()); err != nil {
		return errors.Wrap(err, "failed to save checkpoint")
	}
	cm.saves++
	return nil
}

// LoadCheckpoint reads the checkpoint and copies its entries into the model
func (cm *CheckpointManager) LoadCheckpoint(model Model) (*checkpoints.Checkpoint, error) {
	checkpoint, err := cm.saver.LoadCheckpoint(cm.Path())
	if err != nil {
		return nil, err
	}
	if err := checkpoints.ApplyStateDict(checkpoint.Weights, model.StateDict()); err != nil {
		return nil, errors.Wrap(err, "failed to restore model state")
	}
	return checkpoint, nil
}

// Model is a module that can expose its named state
type Model interface {
	Module
	StateDict() []tensor.Named
}
