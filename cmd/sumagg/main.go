package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/tymbaca/multicore-mapreduce/apps/sumagg"
	"github.com/tymbaca/multicore-mapreduce/internal/config"
	"github.com/tymbaca/multicore-mapreduce/internal/driver"
	"github.com/tymbaca/multicore-mapreduce/pkg/splitter"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	input := flag.String("input", "", "CSV file of key,amount lines")
	generate := flag.Int("generate", 0, "sum N generated lines instead of -input")
	seed := flag.Uint64("seed", 0, "seed of the -generate input, 0 picks a random one")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *configPath, *input, *generate, *seed); err != nil {
		slog.Error("sumagg: failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, input string, generate int, seed uint64) error {
	cfg, err := config.Load(configPath, sumagg.Name)
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

	return driver.Run(ctx, cfg, driver.App[*sumagg.Record]{
		JobFor:  sumagg.Job,
		Format:  sumagg.Format,
		IsDelim: splitter.Newline,
		Header:  "key,sum",
	}, input)
}

// generateInput writes n lines of company,price over a small set of
// companies so keys repeat.
func generateInput(faker *gofakeit.Faker, n int) (string, error) {
	f, err := os.CreateTemp("", "sumagg-*.csv")
	if err != nil {
		return "", fmt.Errorf("create input: %w", err)
	}
	defer f.Close()

	companies := make([]string, 50)
	for i := range companies {
		companies[i] = faker.Company()
	}

	w := bufio.NewWriter(f)
	for range n {
		company := companies[faker.IntN(len(companies))]
		fmt.Fprintf(w, "%s,%.2f\n", company, faker.Price(1, 1000))
	}
	if err := w.Flush(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write input: %w", err)
	}

	return f.Name(), nil
}
