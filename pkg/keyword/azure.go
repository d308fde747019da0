//go:build azure

package keyword

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Microsoft/cognitive-services-speech-sdk-go/audio"
	"github.com/Microsoft/cognitive-services-speech-sdk-go/common"
	"github.com/Microsoft/cognitive-services-speech-sdk-go/speech"

	"github.com/realtime-ai/wyoming-wakeword/pkg/wyoming"
)

// AzureEngine recognizes keywords with the Azure Speech SDK's offline
// keyword recognizer. Requires CGO and the native Speech SDK; build with
// -tags azure.
type AzureEngine struct{}

// NewAzureEngine creates the production engine.
func NewAzureEngine() *AzureEngine { return &AzureEngine{} }

// Name implements Engine.
func (e *AzureEngine) Name() string { return "azure" }

// Start implements Engine. It builds the push stream, audio config,
// recognizer and model, then kicks off a single recognize-once attempt.
func (e *AzureEngine) Start(modelPath string, format wyoming.AudioFormat) (Session, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	s := &azureSession{
		resultCh: make(chan Result, 1),
	}
	ok := false
	defer func() {
		if !ok {
			s.Dispose()
		}
	}()

	streamFormat, err := audio.GetWaveFormatPCM(
		uint32(format.Rate), uint8(format.Width*8), uint8(format.Channels))
	if err != nil {
		return nil, fmt.Errorf("%w: wave format: %v", ErrEngine, err)
	}
	defer streamFormat.Close()

	s.stream, err = audio.CreatePushAudioInputStreamFromFormat(streamFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: push stream: %v", ErrEngine, err)
	}

	s.audioConfig, err = audio.NewAudioConfigFromStreamInput(s.stream)
	if err != nil {
		return nil, fmt.Errorf("%w: audio config: %v", ErrEngine, err)
	}

	s.recognizer, err = speech.NewKeywordRecognizerFromAudioConfig(s.audioConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: recognizer: %v", ErrEngine, err)
	}

	model, err := speech.NewKeywordRecognitionModelFromFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	s.model = model

	// One recognition attempt per session. The outcome channel resolves
	// when a keyword is spotted or the stream ends without a match.
	outcome := s.recognizer.RecognizeOnceAsync(model)
	go func() {
		o := <-outcome
		defer o.Close()
		if o.Error != nil {
			s.resultCh <- Result{}
			return
		}
		if o.Result.Reason == common.RecognizedKeyword {
			s.resultCh <- Result{Detected: true, Text: o.Result.Text}
			return
		}
		s.resultCh <- Result{}
	}()

	ok = true
	return s, nil
}

type azureSession struct {
	stream      *audio.PushAudioInputStream
	audioConfig *audio.AudioConfig
	recognizer  *speech.KeywordRecognizer
	model       speech.KeywordRecognitionModel

	resultCh chan Result

	mu          sync.Mutex
	inputClosed bool
	disposed    bool
}

// Push implements Session.
func (s *azureSession) Push(frame []byte) error {
	s.mu.Lock()
	closed := s.inputClosed || s.disposed
	s.mu.Unlock()
	if closed {
		return ErrStreamClosed
	}
	if err := s.stream.Write(frame); err != nil {
		return fmt.Errorf("%w: push: %v", ErrEngine, err)
	}
	return nil
}

// CloseInput implements Session.
func (s *azureSession) CloseInput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputClosed || s.disposed {
		return
	}
	s.inputClosed = true
	s.stream.CloseStream()
}

// AwaitResult implements Session.
func (s *azureSession) AwaitResult(timeout time.Duration) (Result, error) {
	select {
	case r := <-s.resultCh:
		return r, nil
	case <-time.After(timeout):
		return Result{}, nil
	}
}

// Dispose implements Session. Tolerates partially constructed sessions
// from a failed Start.
func (s *azureSession) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	closed := s.inputClosed
	s.mu.Unlock()

	if s.stream != nil && !closed {
		s.stream.CloseStream()
	}
	if s.recognizer != nil {
		// Unblocks a pending recognize-once before teardown.
		<-s.recognizer.StopRecognitionAsync()
		s.recognizer.Close()
	}
	if s.model != nil {
		s.model.Close()
	}
	if s.audioConfig != nil {
		s.audioConfig.Close()
	}
	if s.stream != nil {
		s.stream.Close()
	}
}

var _ Engine = (*AzureEngine)(nil)
var _ Session = (*azureSession)(nil)

// NewEngine returns the engine selected at build time.
func NewEngine() Engine { return NewAzureEngine() }
