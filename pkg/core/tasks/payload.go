package tasks

import "fmt"

// TaskPayload is the sealed union of per-kind task inputs.
// Exactly one concrete payload type exists per TaskType, and the
// Registry rejects submissions whose payload kind does not match
// the declared task type.
type TaskPayload interface {
	Kind() TaskType
	Validate() error
}

// TaskResult is the sealed union of per-kind task outputs.
// A result is present on a task iff the task completed.
type TaskResult interface {
	Kind() TaskType
}

// VideoPayload describes a video processing job
type VideoPayload struct {
	SourcePath   string `json:"source_path"`
	TargetFormat string `json:"target_format"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	BitrateKbps  int    `json:"bitrate_kbps,omitempty"`
}

func (VideoPayload) Kind() TaskType { return TypeVideoProcessing }

func (p VideoPayload) Validate() error {
	if p.SourcePath == "" {
		return fmt.Errorf("source_path is required")
	}
	if p.Width < 0 || p.Height < 0 {
		return fmt.Errorf("dimensions must not be negative")
	}
	return nil
}

// VideoResult is the outcome of a video processing job
type VideoResult struct {
	OutputPath string `json:"output_path"`
	DurationMs int64  `json:"duration_ms"`
	Frames     int    `json:"frames"`
}

func (VideoResult) Kind() TaskType { return TypeVideoProcessing }

// ImagePayload describes an image processing job
type ImagePayload struct {
	SourcePath string `json:"source_path"`
	Filter     string `json:"filter,omitempty"`
	Quality    int    `json:"quality,omitempty"`
}

func (ImagePayload) Kind() TaskType { return TypeImageProcessing }

func (p ImagePayload) Validate() error {
	if p.SourcePath == "" {
		return fmt.Errorf("source_path is required")
	}
	if p.Quality < 0 || p.Quality > 100 {
		return fmt.Errorf("quality must be within [0,100]")
	}
	return nil
}

// ImageResult is the outcome of an image processing job
type ImageResult struct {
	OutputPath string `json:"output_path"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

func (ImageResult) Kind() TaskType { return TypeImageProcessing }

// CompressionPayload describes a media compression job
type CompressionPayload struct {
	SourcePath string `json:"source_path"`
	Level      int    `json:"level,omitempty"`
}

func (CompressionPayload) Kind() TaskType { return TypeCompression }

func (p CompressionPayload) Validate() error {
	if p.SourcePath == "" {
		return fmt.Errorf("source_path is required")
	}
	if p.Level < 0 || p.Level > 9 {
		return fmt.Errorf("level must be within [0,9]")
	}
	return nil
}

// CompressionResult is the outcome of a compression job
type CompressionResult struct {
	OutputPath      string `json:"output_path"`
	OriginalBytes   int64  `json:"original_bytes"`
	CompressedBytes int64  `json:"compressed_bytes"`
}

func (CompressionResult) Kind() TaskType { return TypeCompression }

// AnalysisPayload describes a media analysis job
type AnalysisPayload struct {
	SourcePath string   `json:"source_path"`
	Probes     []string `json:"probes,omitempty"`
}

func (AnalysisPayload) Kind() TaskType { return TypeAnalysis }

func (p AnalysisPayload) Validate() error {
	if p.SourcePath == "" {
		return fmt.Errorf("source_path is required")
	}
	return nil
}

// AnalysisResult is the outcome of an analysis job
type AnalysisResult struct {
	Findings map[string]string `json:"findings"`
}

func (AnalysisResult) Kind() TaskType { return TypeAnalysis }
