package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDevice      = "CPU"
	DefaultBackend     = "opencv"
	DefaultInputWidth  = 300
	DefaultInputHeight = 300
)

// Document is a parsed pipelines file.
type Document struct {
	Pipelines []PipelineSpec `yaml:"Pipelines"`
}

type PipelineSpec struct {
	Name      string        `yaml:"name"`
	Inputs    []string      `yaml:"inputs"`
	InputPath string        `yaml:"input_path"`
	Infers    []InferSpec   `yaml:"infers"`
	Outputs   []string      `yaml:"outputs"`
	Connects  []ConnectSpec `yaml:"connects"`
}

type InferSpec struct {
	Name                string  `yaml:"name"`
	Type                string  `yaml:"type"`
	Backend             string  `yaml:"backend"`
	Model               string  `yaml:"model"`
	Engine              string  `yaml:"engine"`
	Label               string  `yaml:"label"`
	Batch               int     `yaml:"batch"`
	ConfidenceThreshold float32 `yaml:"confidence_threshold"`
	EnableROIConstraint bool    `yaml:"enable_roi_constraint"`
	InputWidth          int     `yaml:"input_width"`
	InputHeight         int     `yaml:"input_height"`
}

type ConnectSpec struct {
	Left  string   `yaml:"left"`
	Right []string `yaml:"right"`
}

// Kind returns the stage type, which defaults to the infer name.
func (s InferSpec) Kind() string {
	if s.Type != "" {
		return s.Type
	}
	return s.Name
}

// Infer returns the stage spec with the given name.
func (p PipelineSpec) Infer(name string) (InferSpec, bool) {
	for _, infer := range p.Infers {
		if infer.Name == name {
			return infer, true
		}
	}
	return InferSpec{}, false
}

// LoadPipelines reads and parses a pipelines file.
func LoadPipelines(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read pipelines file %s: %w", path, err)
	}
	return ParsePipelines(data)
}

// ParsePipelines decodes a pipelines document and fills in stage defaults.
// Unknown keys are rejected. Only the document's shape is checked here; graph
// wiring is validated when a pipeline is built.
func ParsePipelines(data []byte) (Document, error) {
	var doc Document

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("parse pipelines document: %w", err)
	}

	if len(doc.Pipelines) == 0 {
		return Document{}, fmt.Errorf("parse pipelines document: no pipelines declared")
	}

	// An explicit batch is kept as written, so batch: 0 fails validation.
	var keys documentKeys
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return Document{}, fmt.Errorf("parse pipelines document: %w", err)
	}

	for i := range doc.Pipelines {
		p := &doc.Pipelines[i]
		for j := range p.Infers {
			if !keys.has(i, j, "batch") {
				p.Infers[j].Batch = 1
			}
			applyDefaults(&p.Infers[j])
		}
	}
	return doc, nil
}

// documentKeys records which keys each infer entry spells out.
type documentKeys struct {
	Pipelines []struct {
		Infers []map[string]yaml.Node `yaml:"infers"`
	} `yaml:"Pipelines"`
}

func (k documentKeys) has(pipeline, infer int, key string) bool {
	if pipeline >= len(k.Pipelines) || infer >= len(k.Pipelines[pipeline].Infers) {
		return false
	}
	_, ok := k.Pipelines[pipeline].Infers[infer][key]
	return ok
}

func applyDefaults(infer *InferSpec) {
	if infer.Engine == "" {
		infer.Engine = DefaultDevice
	}
	if infer.Backend == "" {
		infer.Backend = DefaultBackend
	}
	if infer.InputWidth == 0 {
		infer.InputWidth = DefaultInputWidth
	}
	if infer.InputHeight == 0 {
		infer.InputHeight = DefaultInputHeight
	}
}
