package runner

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-hq/bifrost/common/logger"
)

type fakeRequirementsSource struct {
	value string
	found bool
	err   error
}

func (f *fakeRequirementsSource) Get(ctx context.Context, key string) (string, bool, error) {
	if key != requirementsKey {
		return "", false, nil
	}
	return f.value, f.found, f.err
}

type fakeInstaller struct {
	mu       sync.Mutex
	calls    int
	manifest string
	err      error
}

func (f *fakeInstaller) InstallRequirements(ctx context.Context, requirements string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.manifest = requirements
	return f.err
}

func TestBootstrapRequirementsInstallsCachedManifest(t *testing.T) {
	source := &fakeRequirementsSource{value: `"requests==2.31.0\npandas\n"`, found: true}
	installer := &fakeInstaller{}

	BootstrapRequirements(context.Background(), source, installer, logger.New("error", "text"))

	require.Equal(t, 1, installer.calls)
	assert.Equal(t, "requests==2.31.0\npandas\n", installer.manifest)
}

func TestBootstrapRequirementsAcceptsUnencodedManifest(t *testing.T) {
	source := &fakeRequirementsSource{value: "requests==2.31.0\n", found: true}
	installer := &fakeInstaller{}

	BootstrapRequirements(context.Background(), source, installer, logger.New("error", "text"))

	require.Equal(t, 1, installer.calls)
	assert.Equal(t, "requests==2.31.0\n", installer.manifest)
}

func TestBootstrapRequirementsContinuesWhenRedisDown(t *testing.T) {
	source := &fakeRequirementsSource{err: errors.New("connection refused")}
	installer := &fakeInstaller{}

	BootstrapRequirements(context.Background(), source, installer, logger.New("error", "text"))

	assert.Equal(t, 0, installer.calls, "a Redis failure skips the install")
}

func TestBootstrapRequirementsContinuesWhenInstallFails(t *testing.T) {
	source := &fakeRequirementsSource{value: `"broken-package"`, found: true}
	installer := &fakeInstaller{err: errors.New("pip exited 1")}

	// returns normally: the worker still starts
	BootstrapRequirements(context.Background(), source, installer, logger.New("error", "text"))

	assert.Equal(t, 1, installer.calls)
}

func TestBootstrapRequirementsSkipsWhenAbsentOrEmpty(t *testing.T) {
	installer := &fakeInstaller{}

	BootstrapRequirements(context.Background(), &fakeRequirementsSource{}, installer, logger.New("error", "text"))
	BootstrapRequirements(context.Background(), &fakeRequirementsSource{value: `"  \n"`, found: true}, installer, logger.New("error", "text"))

	assert.Equal(t, 0, installer.calls)
}
