package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withArgs(t *testing.T, args ...string) {
	t.Helper()
	saved := os.Args
	os.Args = append([]string{"prodbench"}, args...)
	t.Cleanup(func() { os.Args = saved })
}

func TestMainVersion(t *testing.T) {
	withArgs(t, "--version")
	assert.Equal(t, 0, Main())
}

func TestMainUnknownSystem(t *testing.T) {
	withArgs(t, "--system", "carrier-pigeon")
	assert.Equal(t, 1, Main())
}

func TestMainRejectsArguments(t *testing.T) {
	withArgs(t, "extra")
	assert.Equal(t, 1, Main())
}
