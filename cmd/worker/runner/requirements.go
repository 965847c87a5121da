package runner

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bifrost-hq/bifrost/common/logger"
)

// requirementsKey holds the authored pip manifest, staged by the
// platform when the workspace requirements change.
const requirementsKey = "bifrost:requirements:content"

const installTimeout = 5 * time.Minute

// RequirementsSource reads cached values from Redis
type RequirementsSource interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// RequirementsInstaller hands a pip manifest to the engine environment
type RequirementsInstaller interface {
	InstallRequirements(ctx context.Context, requirements string) error
}

// BootstrapRequirements reads the cached requirements manifest and
// installs it into the engine environment before the pool starts.
// Every failure here is logged and the worker continues; workflows
// that need the missing packages fail at import time instead.
func BootstrapRequirements(ctx context.Context, source RequirementsSource, installer RequirementsInstaller, log *logger.Logger) {
	raw, found, err := source.Get(ctx, requirementsKey)
	if err != nil {
		log.Warn("requirements read failed, continuing without install", "error", err)
		return
	}
	if !found {
		log.Info("no cached requirements, skipping install")
		return
	}

	// the key carries a JSON-encoded string; older writers stored the
	// manifest unencoded
	manifest := raw
	var decoded string
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		manifest = decoded
	}
	if strings.TrimSpace(manifest) == "" {
		log.Info("cached requirements empty, skipping install")
		return
	}

	installCtx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	if err := installer.InstallRequirements(installCtx, manifest); err != nil {
		log.Warn("requirements install failed, continuing", "error", err)
		return
	}
	log.Info("requirements installed", "bytes", len(manifest))
}
