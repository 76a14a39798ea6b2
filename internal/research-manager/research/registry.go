package research

import (
	"fmt"
	"log"
	"os"
)

// Provider type constants.
const (
	ProviderTypeHTTP = "http"
)

var registry = make(map[string]func() Provider)

func init() {
	RegisterProvider(ProviderTypeHTTP, func() Provider { return NewHTTPProvider() })
}

// RegisterProvider installs a provider constructor under a type name.
// Construction is deferred so environment-driven configuration is read
// at startup, not at package init.
func RegisterProvider(providerType string, construct func() Provider) {
	log.Printf("Registering research provider type: %s", providerType)
	registry[providerType] = construct
}

// NewProvider builds the provider selected by RESEARCH_PROVIDER
// (default http).
func NewProvider() (Provider, error) {
	providerType := os.Getenv("RESEARCH_PROVIDER")
	if providerType == "" {
		providerType = ProviderTypeHTTP
	}
	construct, ok := registry[providerType]
	if !ok {
		return nil, fmt.Errorf("no research provider registered for type: %s", providerType)
	}
	return construct(), nil
}
