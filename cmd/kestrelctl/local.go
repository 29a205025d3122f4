package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

var (
	seedValueFlag = &cli.Int64Flag{
		Name:  "seed",
		Usage: "Random seed",
		Value: 42,
	}

	synthCmd = &cli.Command{
		Name:  "synth",
		Usage: "Write a synthetic labelled dataset in the reference CSV layout",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "rows",
				Usage: "Number of rows",
				Value: 5000,
			},
			&cli.FloatFlag{
				Name:  "fraud-ratio",
				Usage: "Share of fraud rows",
				Value: 0.02,
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "Output file",
				Value: "./data/creditcard.csv",
			},
			seedValueFlag,
		},
		Action: runSynth,
	}

	seedCmd = &cli.Command{
		Name:  "seed",
		Usage: "Fill the users database with demo users and transactions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "db",
				Usage: "SQLite file to seed (default: configured repository)",
			},
			seedValueFlag,
		},
		Action: runSeed,
	}
)

func runSynth(_ context.Context, cmd *cli.Command) error {
	rows := cmd.Int("rows")
	ratio := cmd.Float("fraud-ratio")
	if rows < 4 {
		return fmt.Errorf("rows must be at least 4")
	}
	if ratio <= 0 || ratio >= 1 {
		return fmt.Errorf("fraud-ratio must be in (0, 1)")
	}

	ds := dataset.Generate(rows, ratio, cmd.Int64(seedValueFlag.Name))
	if ds.Frauds() < 2 || ds.Len()-ds.Frauds() < 2 {
		return dataset.ErrTooFewSamples
	}

	path := cmd.String("out")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := dataset.WriteCSV(w, ds); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Printf("wrote %s rows (%s fraud) to %s\n",
		humanize.Comma(int64(ds.Len())), humanize.Comma(int64(ds.Frauds())), path)
	return nil
}

func runSeed(ctx context.Context, cmd *cli.Command) error {
	cfg, err := domain.LoadConfig()
	if err != nil {
		return err
	}
	if path := cmd.String("db"); path != "" {
		cfg.Repository.Driver = "sqlite"
		cfg.Repository.SQLitePath = path
	}

	repo, err := repository.New(ctx, cfg.Repository)
	if err != nil {
		return err
	}
	defer repo.Close()

	users, txns, err := repo.Seed(ctx, cmd.Int64(seedValueFlag.Name), time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("seeded %d users and %s transactions into %s\n",
		users, humanize.Comma(int64(txns)), cfg.Repository.Driver)
	return nil
}
