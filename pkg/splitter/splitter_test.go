package splitter

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, s *Splitter) [][]byte {
	t.Helper()

	var out [][]byte
	for {
		split, ok, err := s.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, split.Data)
	}
}

func TestSplitterKeepsLinesWhole(t *testing.T) {
	data := []byte("alpha,1\nbravo,22\ncharlie,333\ndelta,4444\necho,5\n")

	splits := collect(t, New(data, 3, Newline))
	require.NotEmpty(t, splits)
	require.LessOrEqual(t, len(splits), 3)

	require.Equal(t, data, bytes.Join(splits, nil))
	for _, s := range splits[:len(splits)-1] {
		require.Equal(t, byte('\n'), s[len(s)-1])
	}
}

func TestSplitterWords(t *testing.T) {
	text := gofakeit.New(9).Sentence(300)

	splits := collect(t, New([]byte(text), 16, Space))

	var words []string
	for _, s := range splits {
		words = append(words, strings.Fields(string(s))...)
	}
	require.Equal(t, strings.Fields(text), words)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.txt")
	require.NoError(t, os.WriteFile(path, []byte("one two\nthree\n"), 0o644))

	s, err := Open(path, 2, Newline)
	require.NoError(t, err)
	splits := collect(t, s)
	require.Equal(t, "one two\nthree\n", string(bytes.Join(splits, nil)))
	require.NoError(t, s.Close())

	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	s, err = Open(empty, 4, Newline)
	require.NoError(t, err)
	require.Empty(t, collect(t, s))
	require.NoError(t, s.Close())

	_, err = Open(filepath.Join(dir, "missing"), 1, nil)
	require.Error(t, err)
}
