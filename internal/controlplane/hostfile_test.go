package controlplane

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHostFile_OrderAndComments(t *testing.T) {
	input := `# cluster hosts
10.0.0.1 slots=4 port=29500

10.0.0.2 slots=2 port=29500
`
	hosts, err := ParseHostFile(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, HostEntry{IP: "10.0.0.1", Slots: 4, Port: 29500}, hosts[0])
	assert.Equal(t, HostEntry{IP: "10.0.0.2", Slots: 2, Port: 29500}, hosts[1])
}

func TestParseHostFile_MissingField(t *testing.T) {
	_, err := ParseHostFile(strings.NewReader("10.0.0.1 slots=4\n"))
	assert.Error(t, err)
}

func TestParseHostFile_Empty(t *testing.T) {
	_, err := ParseHostFile(strings.NewReader("# only comments\n\n"))
	assert.Error(t, err)
}

func TestParseHostFile_NonPositiveSlots(t *testing.T) {
	_, err := ParseHostFile(strings.NewReader("10.0.0.1 slots=0 port=1\n"))
	assert.Error(t, err)
}
