package ptymgr

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteSpillRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scrollback", "proj.db")
	s, err := OpenSQLiteSpill(path)
	require.NoError(t, err)
	defer s.Close()

	big := strings.Repeat("compress me ", 5000)
	require.NoError(t, s.Append("a", []byte("first ")))
	require.NoError(t, s.Append("a", []byte(big)))
	require.NoError(t, s.Append("b", []byte("other pane")))
	require.NoError(t, s.Append("a", nil))

	got, err := s.Load("a")
	require.NoError(t, err)
	assert.Equal(t, "first "+big, string(got))

	require.NoError(t, s.Drop("a"))
	got, err = s.Load("a")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.Load("b")
	require.NoError(t, err)
	assert.Equal(t, "other pane", string(got))
}

func TestSQLiteSpillStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proj.db")
	s, err := OpenSQLiteSpill(path)
	require.NoError(t, err)
	require.NoError(t, s.Append("a", []byte("from a previous server")))
	require.NoError(t, s.Close())

	s, err = OpenSQLiteSpill(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load("a")
	require.NoError(t, err)
	assert.Empty(t, got)
}
