package cmd

import (
	"bytes"
	"github.com/arcward/roomkeeper/roomkeeper"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := roomkeeper.Version
	originalCommitSHA := roomkeeper.CommitSHA
	originalBuildTime := roomkeeper.BuildTime

	t.Cleanup(
		func() {
			roomkeeper.Version = originalVersion
			roomkeeper.CommitSHA = originalCommitSHA
			roomkeeper.BuildTime = originalBuildTime
			versionCmd.SetOut(nil)
		},
	)

	roomkeeper.Version = "1.0.0"
	roomkeeper.CommitSHA = "abc123"
	roomkeeper.BuildTime = "2023-10-01T12:00:00Z"

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	assert.Equal(
		t,
		"version=1.0.0 commit=abc123 built=2023-10-01T12:00:00Z\n",
		out.String(),
	)
}
