package models

import (
	"fmt"
	"strconv"
	"sync"

	onnxruntime "github.com/yalue/onnxruntime_go"

	neuralvps "github.com/Mineru98/neural-vps-go"
)

var envMu sync.Mutex

// initEnvironment initializes ONNX Runtime once per process
func initEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if onnxruntime.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		onnxruntime.SetSharedLibraryPath(libraryPath)
	}
	if err := onnxruntime.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}
	return nil
}

// ONNXOptions configures an ONNX Runtime session
type ONNXOptions struct {
	// LibraryPath points at the onnxruntime shared library; empty uses the default lookup
	LibraryPath string
	// UseCUDA requires the CUDA execution provider
	UseCUDA bool
	// DeviceID selects the GPU when UseCUDA is set
	DeviceID int
	// Threads bounds intra-op parallelism; 0 keeps the runtime default
	Threads int
}

// ONNXModel wraps an ONNX Runtime session for inference
type ONNXModel struct {
	session     *onnxruntime.DynamicAdvancedSession
	inputNames  []string
	outputNames []string
	inputShapes []onnxruntime.Shape
}

// NewONNXModel creates a new ONNX model from a file
func NewONNXModel(modelPath string, opts ONNXOptions) (*ONNXModel, error) {
	if err := initEnvironment(opts.LibraryPath); err != nil {
		return nil, err
	}

	inputs, outputs, err := onnxruntime.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get model input/output info: %w", err)
	}

	return newSession(inputs, outputs, opts, func(in, out []string, options *onnxruntime.SessionOptions) (*onnxruntime.DynamicAdvancedSession, error) {
		return onnxruntime.NewDynamicAdvancedSession(modelPath, in, out, options)
	})
}

// NewONNXModelFromBytes creates a model from a serialized graph, as stored in a checkpoint
func NewONNXModelFromBytes(graph []byte, opts ONNXOptions) (*ONNXModel, error) {
	if err := initEnvironment(opts.LibraryPath); err != nil {
		return nil, err
	}

	inputs, outputs, err := onnxruntime.GetInputOutputInfoWithONNXData(graph)
	if err != nil {
		return nil, fmt.Errorf("failed to get model input/output info: %w", err)
	}

	return newSession(inputs, outputs, opts, func(in, out []string, options *onnxruntime.SessionOptions) (*onnxruntime.DynamicAdvancedSession, error) {
		return onnxruntime.NewDynamicAdvancedSessionWithONNXData(graph, in, out, options)
	})
}

type sessionFactory func(inputNames, outputNames []string, options *onnxruntime.SessionOptions) (*onnxruntime.DynamicAdvancedSession, error)

func newSession(inputs, outputs []onnxruntime.InputOutputInfo, opts ONNXOptions, create sessionFactory) (*ONNXModel, error) {
	options, err := onnxruntime.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer func() {
		_ = options.Destroy()
	}()

	if opts.Threads > 0 {
		if err := options.SetIntraOpNumThreads(opts.Threads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	if opts.UseCUDA {
		if err := appendCUDA(options, opts.DeviceID); err != nil {
			return nil, missingGPU(opts.DeviceID, err)
		}
	}

	inputNames := make([]string, len(inputs))
	inputShapes := make([]onnxruntime.Shape, len(inputs))
	for i, input := range inputs {
		inputNames[i] = input.Name
		inputShapes[i] = input.Dimensions
	}

	outputNames := make([]string, len(outputs))
	for i, output := range outputs {
		outputNames[i] = output.Name
	}

	session, err := create(inputNames, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXModel{
		session:     session,
		inputNames:  inputNames,
		outputNames: outputNames,
		inputShapes: inputShapes,
	}, nil
}

// missingGPU reports a CUDA provider that could not be attached to device
func missingGPU(device int, cause error) *neuralvps.MissingResourceError {
	return &neuralvps.MissingResourceError{
		Resource: neuralvps.ResourceGPU,
		Path:     "cuda:" + strconv.Itoa(device),
		Hint:     "please run with --nocuda (" + cause.Error() + ")",
	}
}

func appendCUDA(options *onnxruntime.SessionOptions, deviceID int) error {
	cudaOptions, err := onnxruntime.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer func() {
		_ = cudaOptions.Destroy()
	}()

	if err := cudaOptions.Update(map[string]string{"device_id": strconv.Itoa(deviceID)}); err != nil {
		return err
	}
	return options.AppendExecutionProviderCUDA(cudaOptions)
}

// Run runs inference on the model. Inputs are keyed by input name; every
// output must be a float32 tensor.
func (m *ONNXModel) Run(inputs map[string]neuralvps.Tensor) (map[string]neuralvps.Tensor, error) {
	inputValues := make([]onnxruntime.Value, len(m.inputNames))
	defer func() {
		for _, value := range inputValues {
			if value != nil {
				_ = value.Destroy()
			}
		}
	}()

	for i, name := range m.inputNames {
		input, exists := inputs[name]
		if !exists {
			return nil, fmt.Errorf("missing input: %s", name)
		}

		tensor, err := onnxruntime.NewTensor(onnxruntime.Shape(input.Shape), input.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to create tensor for %s: %w", name, err)
		}
		inputValues[i] = tensor
	}

	// nil values are allocated by Run
	outputValues := make([]onnxruntime.Value, len(m.outputNames))
	defer func() {
		for _, value := range outputValues {
			if value != nil {
				_ = value.Destroy()
			}
		}
	}()

	if err := m.session.Run(inputValues, outputValues); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	outputs := make(map[string]neuralvps.Tensor, len(m.outputNames))
	for i, name := range m.outputNames {
		tensor, ok := outputValues[i].(*onnxruntime.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("unsupported output type for %s", name)
		}
		// copy out of runtime-owned memory before Destroy
		outputs[name] = neuralvps.Tensor{
			Data:  append([]float32(nil), tensor.GetData()...),
			Shape: append([]int64(nil), tensor.GetShape()...),
		}
	}

	return outputs, nil
}

// Close releases model resources
func (m *ONNXModel) Close() error {
	if m.session != nil {
		err := m.session.Destroy()
		m.session = nil
		if err != nil {
			return fmt.Errorf("failed to destroy session: %w", err)
		}
	}
	return nil
}

// InputNames returns the names of model inputs
func (m *ONNXModel) InputNames() []string {
	return m.inputNames
}

// OutputNames returns the names of model outputs
func (m *ONNXModel) OutputNames() []string {
	return m.outputNames
}

// InputShapes returns the declared shapes of model inputs; dynamic axes are -1
func (m *ONNXModel) InputShapes() []onnxruntime.Shape {
	return m.inputShapes
}
