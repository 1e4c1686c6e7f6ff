package training

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-unet/vision/render"
)

// PlotType represents the curves a collector can render
type PlotType string

const TrainingCurves PlotType = "training_curves"

// PlotData is a serialisable snapshot of collected series
type PlotData struct {
	PlotType  PlotType     `json:"plot_type"`
	Title     string       `json:"title"`
	Timestamp time.Time    `json:"timestamp"`
	ModelName string       `json:"model_name"`
	Series    []SeriesData `json:"series"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name string      `json:"name"`
	Data []DataPoint `json:"data"`
}

// DataPoint is one (step, value) pair
type DataPoint struct {
	X int     `json:"x"`
	Y float64 `json:"y"`
}

// VisualizationCollector accumulates the scalar history of a run for plotting
type VisualizationCollector struct {
	modelName string
	enabled   bool

	steps        []int
	trainingLoss []float64

	validationSteps []int
	validationLoss  []float64
	validationDSC   []float64
}

// NewVisualizationCollector creates a new visualization collector
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{
		modelName: modelName,
		enabled:   true,
	}
}

// Enable enables visualization data collection
func (vc *VisualizationCollector) Enable() {
	vc.enabled = true
}

// Disable disables visualization data collection
func (vc *VisualizationCollector) Disable() {
	vc.enabled = false
}

// IsEnabled returns whether visualization is enabled
func (vc *VisualizationCollector) IsEnabled() bool {
	return vc.enabled
}

// RecordTrainingStep records a flushed training loss
func (vc *VisualizationCollector) RecordTrainingStep(step int, loss float64) {
	if !vc.enabled {
		return
	}
	vc.steps = append(vc.steps, step)
	vc.trainingLoss = append(vc.trainingLoss, loss)
}

// RecordValidation records the end-of-epoch validation results
func (vc *VisualizationCollector) RecordValidation(step int, loss, dsc float64) {
	if !vc.enabled {
		return
	}
	vc.validationSteps = append(vc.validationSteps, step)
	vc.validationLoss = append(vc.validationLoss, loss)
	vc.validationDSC = append(vc.validationDSC, dsc)
}

func points(steps []int, values []float64) []DataPoint {
	data := make([]DataPoint, len(values))
	for i, v := range values {
		data[i] = DataPoint{X: steps[i], Y: v}
	}
	return data
}

// GenerateTrainingCurvesPlot returns loss, val_loss and val_dsc against step
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series: []SeriesData{
			{Name: "loss", Data: points(vc.steps, vc.trainingLoss)},
			{Name: "val_loss", Data: points(vc.validationSteps, vc.validationLoss)},
			{Name: "val_dsc", Data: points(vc.validationSteps, vc.validationDSC)},
		},
	}
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	data, err := json.Marshal(pd)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal plot data")
	}
	return string(data), nil
}

// RenderSeries converts the plot into chart series
func (pd PlotData) RenderSeries() []render.Series {
	series := make([]render.Series, len(pd.Series))
	for i, s := range pd.Series {
		series[i] = render.Series{Name: s.Name, X: make([]float64, len(s.Data)), Y: make([]float64, len(s.Data))}
		for j, p := range s.Data {
			series[i].X[j] = float64(p.X)
			series[i].Y[j] = p.Y
		}
	}
	return series
}

// WriteTrainingCurves renders the training curves PNG to path
func (vc *VisualizationCollector) WriteTrainingCurves(path string) error {
	plot := vc.GenerateTrainingCurvesPlot()
	if err := render.WriteCurves(path, plot.Title, plot.RenderSeries()...); err != nil {
		return errors.Wrap(err, "failed to write training curves")
	}
	return nil
}

// Clear drops everything collected so far
func (vc *VisualizationCollector) Clear() {
	vc.steps = vc.steps[:0]
	vc.trainingLoss = vc.trainingLoss[:0]
	vc.validationSteps = vc.validationSteps[:0]
	vc.validationLoss = vc.validationLoss[:0]
	vc.validationDSC = vc.validationDSC[:0]
}
