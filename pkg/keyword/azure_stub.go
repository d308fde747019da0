//go:build !azure

package keyword

import (
	"fmt"

	"github.com/realtime-ai/wyoming-wakeword/pkg/wyoming"
)

// AzureEngine is a stub when built without the 'azure' build tag.
type AzureEngine struct{}

// NewAzureEngine returns a stub engine whose Start always fails.
func NewAzureEngine() *AzureEngine { return &AzureEngine{} }

// Name implements Engine.
func (e *AzureEngine) Name() string { return "azure" }

// Start returns an error indicating Azure support is not built in.
func (e *AzureEngine) Start(modelPath string, format wyoming.AudioFormat) (Session, error) {
	return nil, fmt.Errorf("%w: Azure Speech support is not enabled; rebuild with '-tags azure' and ensure the native Speech SDK is installed", ErrModelLoad)
}

var _ Engine = (*AzureEngine)(nil)

// NewEngine returns the engine selected at build time.
func NewEngine() Engine { return NewAzureEngine() }
