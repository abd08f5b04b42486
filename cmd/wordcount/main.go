package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/tymbaca/multicore-mapreduce/apps/wordcount"
	"github.com/tymbaca/multicore-mapreduce/internal/config"
	"github.com/tymbaca/multicore-mapreduce/internal/driver"
	"github.com/tymbaca/multicore-mapreduce/pkg/splitter"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	input := flag.String("input", "", "text file to count words of")
	generate := flag.Int("generate", 0, "count N generated sentences instead of -input")
	seed := flag.Uint64("seed", 0, "seed of the -generate input, 0 picks a random one")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *configPath, *input, *generate, *seed); err != nil {
		slog.Error("wordcount: failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, input string, generate int, seed uint64) error {
	cfg, err := config.Load(configPath, wordcount.PlainName)
	if err != nil {
		return err
	}
	driver.SetupLogger(os.Stderr, cfg.Log)

	if generate > 0 {
		path, err := generateInput(gofakeit.New(seed), generate)
		if err != nil {
			return err
		}
		defer os.Remove(path)
		input = path
	}
	if input == "" {
		return fmt.Errorf("no input: pass -input or -generate")
	}

	return driver.Run(ctx, cfg, app(), input)
}

func app() driver.App[*wordcount.Record] {
	return driver.App[*wordcount.Record]{
		JobFor:  wordcount.Job,
		Format:  wordcount.Format,
		IsDelim: splitter.Space,
		Header:  "wordcount: results",
	}
}

func generateInput(faker *gofakeit.Faker, n int) (string, error) {
	f, err := os.CreateTemp("", "wordcount-*.txt")
	if err != nil {
		return "", fmt.Errorf("create input: %w", err)
	}
	defer f.Close()

	var line strings.Builder
	for range n {
		line.Reset()
		line.WriteString(faker.Sentence(faker.IntRange(10, 20)))
		line.WriteByte('\n')
		if _, err := f.WriteString(line.String()); err != nil {
			os.Remove(f.Name())
			return "", fmt.Errorf("write input: %w", err)
		}
	}

	return f.Name(), nil
}
