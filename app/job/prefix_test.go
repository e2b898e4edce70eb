package job

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixWriter_Write(t *testing.T) {
	out := bytes.NewBuffer(nil)
	pw := NewPrefixWriter(out, "12.3")

	n, err := pw.Write([]byte("first line\nsecond"))
	require.NoError(t, err)
	assert.Equal(t, 17, n)

	n, err = pw.Write([]byte(" line\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = pw.Write([]byte("third\n\n"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	assert.Equal(t, "[12.3] first line\n[12.3] second line\n[12.3] third\n[12.3] \n", out.String())
}

func TestPrefixWriter_Empty(t *testing.T) {
	out := bytes.NewBuffer(nil)
	n, err := NewPrefixWriter(out, "1").Write(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, out.String())
}

func TestPrefixFor(t *testing.T) {
	assert.Equal(t, []byte("[7] "), prefixFor("7"))
	assert.Equal(t, []byte("[1234567890123456] "), prefixFor("1234567890123456"))
	assert.Equal(t, []byte("[1234567890123456...] "), prefixFor("12345678901234567"))
}
