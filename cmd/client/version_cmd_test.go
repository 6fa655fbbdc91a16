package main

import (
	"bytes"
	"testing"

	"github.com/openmined/syncbox/internal/version"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, version.DetailedWithApp()},
		{[]string{"--short"}, version.ShortWithApp()},
	}
	for _, tt := range tests {
		cmd := &cobra.Command{Use: "syncbox"}
		cmd.AddCommand(newVersionCmd())
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs(append([]string{"version"}, tt.args...))

		require.NoError(t, cmd.Execute())
		assert.Equal(t, tt.want+"\n", out.String())
	}
}
