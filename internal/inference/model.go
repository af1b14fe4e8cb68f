package inference

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// Tensor describes one model input or output
type Tensor struct {
	Name     string
	Shape    []int64
	DataType string
}

// ModelInfo is what the runtime reports about a model file
type ModelInfo struct {
	Inputs      []Tensor
	Outputs     []Tensor
	Producer    string
	Domain      string
	Description string
	Version     int64
}

// Inspect reads a model's inputs, outputs and metadata without creating a
// session. Initialize must have been called.
func Inspect(modelPath string) (*ModelInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get model info: %w", err)
	}

	info := &ModelInfo{
		Inputs:  tensors(inputs),
		Outputs: tensors(outputs),
	}

	metadata, err := ort.GetModelMetadata(modelPath)
	if err != nil {
		// metadata is optional in ONNX files
		return info, nil
	}
	defer metadata.Destroy()

	if producer, err := metadata.GetProducerName(); err == nil {
		info.Producer = producer
	}
	if version, err := metadata.GetVersion(); err == nil {
		info.Version = version
	}
	if domain, err := metadata.GetDomain(); err == nil {
		info.Domain = domain
	}
	if desc, err := metadata.GetDescription(); err == nil {
		info.Description = desc
	}
	return info, nil
}

func tensors(infos []ort.InputOutputInfo) []Tensor {
	out := make([]Tensor, len(infos))
	for i, info := range infos {
		out[i] = Tensor{
			Name:     info.Name,
			Shape:    []int64(info.Dimensions),
			DataType: fmt.Sprintf("%v", info.DataType),
		}
	}
	return out
}
