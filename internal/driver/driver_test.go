package driver

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/require"

	"github.com/tymbaca/multicore-mapreduce/apps/wordcount"
	"github.com/tymbaca/multicore-mapreduce/internal/config"
	"github.com/tymbaca/multicore-mapreduce/pkg/splitter"
)

func wordcountApp() App[*wordcount.Record] {
	return App[*wordcount.Record]{
		JobFor:  wordcount.Job,
		Format:  wordcount.Format,
		IsDelim: splitter.Space,
		Header:  "wordcount: results",
	}
}

func writeInput(t *testing.T) (path string, words int) {
	t.Helper()

	faker := gofakeit.New(8)
	var text strings.Builder
	for range 100 {
		text.WriteString(faker.Sentence(faker.IntRange(5, 25)))
		text.WriteByte('\n')
	}

	path = filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(path, []byte(text.String()), 0o644))

	return path, len(strings.Fields(text.String()))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Load("", wordcount.PlainName)
	require.NoError(t, err)

	cfg.Runtime.Cores = 2
	cfg.Aggregation.Shards = 2
	cfg.Aggregation.BufferCapacity = 32
	cfg.MergeTree.Dir = t.TempDir()
	cfg.ExtSort.TempDir = t.TempDir()
	cfg.Output.Path = filepath.Join(t.TempDir(), "out.txt")

	return cfg
}

func TestRunTop(t *testing.T) {
	input, _ := writeInput(t)
	cfg := testConfig(t)
	cfg.Aggregation.Backend = "mergetree"
	cfg.Output.Top = 5

	require.NoError(t, Run(context.Background(), cfg, wordcountApp(), input))

	out, err := os.ReadFile(cfg.Output.Path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Equal(t, "wordcount: results", lines[0])
	require.Len(t, lines, 6)
	require.Contains(t, lines[1], " - ")
}

func TestRunStream(t *testing.T) {
	input, words := writeInput(t)
	cfg := testConfig(t)
	cfg.Aggregation.Backend = "extsort"
	cfg.Output.Stream = true
	cfg.App.Record = wordcount.ProtoName

	require.NoError(t, Run(context.Background(), cfg, wordcountApp(), input))

	out, err := os.ReadFile(cfg.Output.Path)
	require.NoError(t, err)

	total := 0
	for _, line := range bytes.Split(bytes.TrimSpace(out), []byte("\n")) {
		_, count, ok := bytes.Cut(line, []byte(" - "))
		require.True(t, ok, "line %q", line)
		var n int
		for _, c := range count {
			n = n*10 + int(c-'0')
		}
		total += n
	}
	require.Equal(t, words, total)
}

func TestRunUnknownRecord(t *testing.T) {
	input, _ := writeInput(t)
	cfg := testConfig(t)
	cfg.App.Record = "nope"

	err := Run(context.Background(), cfg, wordcountApp(), input)
	require.Error(t, err)
}
