package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/badger-os/vfscore/internal/vfs"
)

func TestWireTracerDisabledReturnsNoopStop(t *testing.T) {
	state := vfs.NewState()
	stop := wireTracer(state, false)
	assert.NotPanics(t, stop)
}

func TestWireTracerEnabledInstallsRealTracerAndStopShutsItDown(t *testing.T) {
	state := vfs.NewState()
	stop := wireTracer(state, true)
	assert.NotPanics(t, stop)
}
