package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"riptide/client"
	"riptide/metainfo"
)

func main() {
	outputDir := flag.String("o", ".", "output directory")
	rate := flag.Float64("rate", 0, "download rate limit in bytes/sec (0 = unlimited)")
	quiet := flag.Bool("q", false, "suppress the progress bar")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <torrent file>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	mi, err := metainfo.Open(flag.Arg(0))
	if err != nil {
		log.WithError(err).Error("could not read torrent file")
		os.Exit(1)
	}
	log.WithFields(logrus.Fields{
		"name":   mi.Name,
		"pieces": mi.NumPieces(),
		"bytes":  mi.TotalLength,
	}).Info("torrent parsed")

	cfg := client.DefaultConfig
	cfg.DownloadRate = *rate
	cfg.ShowProgress = !*quiet

	// ^C pauses: progress is persisted and a later run resumes
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(mi, *outputDir, cfg, log)
	if err := c.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		log.WithError(err).Error("download failed")
		os.Exit(1)
	}
}
