// Package service implements the transport-facing application services.
package service

import (
	"github.com/google/wire"
)

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(
	NewOrchestratorService,
)
