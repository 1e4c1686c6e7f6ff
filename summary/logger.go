package summary

import (
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Logger writes the summaries of one run
type Logger struct {
	store *Store
	dir   string
	runID string
	log   *zap.Logger
}

// NewLogger opens the metrics store in dir and registers a new run.
func NewLogger(dir string, log *zap.Logger) (*Logger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create logs folder")
	}

	store, err := OpenStore(filepath.Join(dir, DatabaseName))
	if err != nil {
		return nil, err
	}

	l := &Logger{
		store: store,
		dir:   dir,
		runID: uuid.New().String(),
		log:   log,
	}
	if err := store.exec(`INSERT INTO runs (id, started_at) VALUES (?, ?)`, l.runID, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		store.Close()
		return nil, errors.Wrap(err, "failed to register run")
	}
	log.Info("summary logger started", zap.String("run", l.runID), zap.String("dir", dir))
	return l, nil
}

// RunID identifies this run in the store
func (l *Logger) RunID() string { return l.runID }

// ScalarSummary records value under tag at step
func (l *Logger) ScalarSummary(tag string, value float64, step int) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		l.log.Warn("non-finite scalar", zap.String("tag", tag), zap.Int("step", step), zap.Float64("value", value))
	}
	if err := l.store.exec(`INSERT INTO scalars (run_id, tag, step, value) VALUES (?, ?, ?, ?)`, l.runID, tag, step, value); err != nil {
		return errors.Wrapf(err, "failed to log scalar %s", tag)
	}
	l.log.Debug("scalar", zap.String("tag", tag), zap.Int("step", step), zap.Float64("value", value))
	return nil
}

// ImageListSummary writes each image to <dir>/images/<tag>/<step>_<k>.png and records it
func (l *Logger) ImageListSummary(tag string, images []image.Image, step int) error {
	rel, err := tagPath(tag)
	if err != nil {
		return err
	}
	folder := filepath.Join(l.dir, "images", rel)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return errors.Wrap(err, "failed to create image folder")
	}

	for k, img := range images {
		name := strconv.Itoa(step) + "_" + strconv.Itoa(k) + ".png"
		if err := writePNG(filepath.Join(folder, name), img); err != nil {
			return errors.Wrapf(err, "failed to write image %d of %s", k, tag)
		}
		path := filepath.ToSlash(filepath.Join("images", rel, name))
		if err := l.store.exec(`INSERT INTO images (run_id, tag, step, idx, path) VALUES (?, ?, ?, ?, ?)`, l.runID, tag, step, k, path); err != nil {
			return errors.Wrapf(err, "failed to record image %d of %s", k, tag)
		}
	}
	return nil
}

// Scalars returns this run's values for tag
func (l *Logger) Scalars(tag string) ([]Scalar, error) {
	return l.store.Scalars(l.runID, tag)
}

// Images returns this run's image records for tag
func (l *Logger) Images(tag string) ([]ImageRecord, error) {
	return l.store.Images(l.runID, tag)
}

// Tags returns this run's scalar tags
func (l *Logger) Tags() ([]string, error) {
	return l.store.Tags(l.runID)
}

// Close marks the run finished and closes the store
func (l *Logger) Close() error {
	err := l.store.exec(`UPDATE runs SET finished_at = ? WHERE id = ?`, time.Now().UTC().Format(time.RFC3339Nano), l.runID)
	if cerr := l.store.Close(); err == nil {
		err = cerr
	}
	return errors.Wrap(err, "failed to close summary logger")
}

// tagPath turns a slash separated tag into a relative folder, refusing
// components that would leave the images folder.
func tagPath(tag string) (string, error) {
	parts := strings.Split(tag, "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return "", errors.Errorf("invalid image tag %q", tag)
		}
	}
	return filepath.Join(parts...), nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
