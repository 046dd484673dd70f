package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	prev := GitSHA
	GitSHA = "0123456789abcdef"
	t.Cleanup(func() { GitSHA = prev })

	info := Get()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
	assert.Contains(t, info.String(), "(0123456,")
	assert.Contains(t, info.String(), Version)
}
