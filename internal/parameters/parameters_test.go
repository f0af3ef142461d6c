package parameters

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFromConfigString(t *testing.T) {
	params := NewFromConfigString("alpha=0.2,verbose,name=a=b")
	require.Equal(t, Params{"alpha": "0.2", "verbose": "", "name": "a=b"}, params)
	require.Empty(t, NewFromConfigString(""))
}

func TestGetParamOr(t *testing.T) {
	params := NewFromConfigString("alpha=0.25,epochs=90,verbose,off=false,prefix=run1")

	alpha, err := GetParamOr(params, "alpha", 0.2)
	require.NoError(t, err)
	require.Equal(t, 0.25, alpha)

	epochs, err := GetParamOr(params, "epochs", 10)
	require.NoError(t, err)
	require.Equal(t, 90, epochs)

	verbose, err := GetParamOr(params, "verbose", false)
	require.NoError(t, err)
	require.True(t, verbose)

	off, err := GetParamOr(params, "off", true)
	require.NoError(t, err)
	require.False(t, off)

	prefix, err := GetParamOr(params, "prefix", "")
	require.NoError(t, err)
	require.Equal(t, "run1", prefix)

	// Missing keys fall back to the default.
	beta, err := GetParamOr(params, "beta", float32(0.6))
	require.NoError(t, err)
	require.Equal(t, float32(0.6), beta)

	// Malformed values surface an error.
	_, err = GetParamOr(NewFromConfigString("epochs=many"), "epochs", 10)
	require.Error(t, err)
}

func TestPopParamOr(t *testing.T) {
	params := NewFromConfigString("alpha=0.25")
	alpha, err := PopParamOr(params, "alpha", float32(0.2))
	require.NoError(t, err)
	require.Equal(t, float32(0.25), alpha)
	require.NotContains(t, params, "alpha")
}
