package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/badger-os/vfscore/internal/fsdriver"
)

func TestTypeNameCoversEveryDistinctLabel(t *testing.T) {
	cases := []struct {
		in   fsdriver.FileType
		want string
	}{
		{fsdriver.TypeDirectory, "directory"},
		{fsdriver.TypeSymlink, "symlink"},
		{fsdriver.TypeFIFO, "fifo"},
		{fsdriver.TypeRegular, "regular"},
		{fsdriver.TypeBlockDevice, "regular"},
		{fsdriver.TypeCharDevice, "regular"},
		{fsdriver.TypeSocket, "regular"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, typeName(tc.in), tc.in)
	}
}

func TestRunStatRejectsBootTableNotStartingWithRamfs(t *testing.T) {
	orig := mountConfig
	defer func() { mountConfig = orig }()

	mountConfig.Mounts = nil
	assert.Error(t, runStat("/"))
}
