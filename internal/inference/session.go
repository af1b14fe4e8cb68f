package inference

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// ErrNotInitialized is returned when a session is created before Initialize
var ErrNotInitialized = errors.New("ONNX Runtime not initialized")

var (
	initMu sync.Mutex
	users  int
)

// Initialize loads the ONNX Runtime shared library at libPath (empty uses the
// onnxruntime_go default) and sets up the environment. Calls are counted;
// every successful Initialize needs a matching Shutdown.
func Initialize(libPath string) error {
	initMu.Lock()
	defer initMu.Unlock()

	if users > 0 {
		users++
		return nil
	}

	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}

	users = 1
	return nil
}

// Shutdown destroys the environment once the last user is done
func Shutdown() error {
	initMu.Lock()
	defer initMu.Unlock()

	if users == 0 {
		return nil
	}
	users--
	if users > 0 {
		return nil
	}
	return ort.DestroyEnvironment()
}

// Options tunes session creation
type Options struct {
	CoreML  bool // try the CoreML execution provider, fall back to CPU
	Threads int  // intra-op threads, 0 keeps the runtime default
	Logger  *logrus.Entry
}

// Session is an ONNX Runtime session with named inputs and outputs
type Session struct {
	session  *ort.DynamicAdvancedSession
	provider string
}

// NewSession loads modelPath
func NewSession(modelPath string, inputNames, outputNames []string, opts Options) (*Session, error) {
	initMu.Lock()
	ready := users > 0
	initMu.Unlock()
	if !ready {
		return nil, ErrNotInitialized
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if opts.Threads > 0 {
		if err := options.SetIntraOpNumThreads(opts.Threads); err != nil {
			return nil, fmt.Errorf("failed to set thread count: %w", err)
		}
	}

	provider := "cpu"
	if opts.CoreML {
		// 0: default flags, Neural Engine + GPU
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			opts.Logger.WithFields(logrus.Fields{
				"model": modelPath,
				"error": err.Error(),
			}).Warn("CoreML unavailable, using CPU")
		} else {
			provider = "coreml"
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", modelPath, err)
	}

	opts.Logger.WithFields(logrus.Fields{
		"model":    modelPath,
		"provider": provider,
		"inputs":   inputNames,
		"outputs":  len(outputNames),
	}).Info("inference session created")

	return &Session{session: session, provider: provider}, nil
}

// Run executes inference, writing into the preallocated outputs
func (s *Session) Run(inputs []ort.Value, outputs []ort.Value) error {
	return s.session.Run(inputs, outputs)
}

// Provider names the execution provider the session runs on
func (s *Session) Provider() string {
	return s.provider
}

// Destroy releases session resources
func (s *Session) Destroy() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}

// CreateEmptyTensor allocates a zeroed tensor
func CreateEmptyTensor[T ort.TensorData](shape []int64) (*ort.Tensor[T], error) {
	return ort.NewEmptyTensor[T](ort.NewShape(shape...))
}
