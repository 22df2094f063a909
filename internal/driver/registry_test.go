package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"potentiostat-service/internal/devicemodel"
)

func TestRegistry_DefaultVariants(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	RegisterDefaultVariants(r, zap.NewNop())

	assert.Equal(t, map[string]string{
		"USB Test":       "base",
		"USB Test - 059": "kit-059",
		"USB Test - v04": "v04",
	}, r.IdentTable())

	v, err := r.Lookup("USB Test - 059")
	require.NoError(t, err)
	assert.Equal(t, "kit-059", v.Name)
	assert.True(t, v.SupportsSourceSelect)

	v, err = r.Lookup("USB Test")
	require.NoError(t, err)
	assert.Equal(t, devicemodel.Source8Bit, v.DefaultSource)
	assert.False(t, v.SupportsShort)

	_, err = r.Lookup("TM-T88V")
	assert.Error(t, err)
	assert.False(t, r.IsSupported("TM-T88V"))

	names := []string{}
	for _, v := range r.ListVariants() {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{"base", "kit-059", "v04"}, names)
}
