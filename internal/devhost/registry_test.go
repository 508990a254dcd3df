package devhost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEnsureKeepsFirstNode(t *testing.T) {
	r := NewRegistry(NewHub())

	first := r.Ensure("/js/app.ts", "/project/js/app.ts")
	second := r.Ensure("/js/app.ts", "/project/js/app.ts")

	assert.Same(t, first, second)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryInvalidateReturnsAffectedIDs(t *testing.T) {
	r := NewRegistry(NewHub())
	r.Ensure("/js/routes.js", "/project/assets/js/routes.js")
	r.Ensure("js/routes.js", "/project/assets/js/routes.js")
	r.Ensure("/js/app.ts", "/project/js/app.ts")

	ids := r.InvalidateByFile("/project/assets/js/routes.js")
	assert.ElementsMatch(t, []string{"/js/routes.js", "js/routes.js"}, ids)
	assert.Equal(t, 1, r.Len())

	_, ok := r.ModuleByID("/js/routes.js")
	assert.False(t, ok)

	assert.Nil(t, r.InvalidateByFile("/project/js/unknown.ts"))
}

func TestRegistryReRegistersAfterInvalidate(t *testing.T) {
	r := NewRegistry(NewHub())
	r.Ensure("/js/app.ts", "/project/js/app.ts")
	r.InvalidateByFile("/project/js/app.ts")

	node := r.Ensure("/js/app.ts", "/project/js/app.ts")
	require.NotNil(t, node)
	assert.Equal(t, "/project/js/app.ts", node.File)
	assert.Equal(t, 1, r.Len())
}

func TestHubBroadcastWithoutClients(t *testing.T) {
	hub := NewHub()
	r := NewRegistry(hub)

	assert.NotPanics(t, r.BroadcastFullReload)
	assert.Equal(t, 0, hub.Count())
	assert.NotPanics(t, hub.Shutdown)
}
