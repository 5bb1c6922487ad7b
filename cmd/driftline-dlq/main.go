// Package main implements the driftline-dlq command line tool for
// inspecting and sweeping the dead-letter queue.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/driftline/driftline/internal/deadletter"
	"github.com/driftline/driftline/internal/storage"
)

func main() {
	var (
		dbPath    string
		partition string
		limit     int
		offset    int
		archive   string
	)

	flag.StringVar(&dbPath, "db", "./data/deadletter.db", "Path to the dead-letter database")
	flag.StringVar(&partition, "partition", "", "Filter entries by partition key")
	flag.IntVar(&limit, "limit", 50, "Maximum entries to list")
	flag.IntVar(&offset, "offset", 0, "Entries to skip when listing")
	flag.StringVar(&archive, "archive-dir", "./data/archive", "Directory for archive sweeps")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "driftline-dlq - inspect the Driftline dead-letter queue\n\n")
		fmt.Fprintf(os.Stderr, "Usage: driftline-dlq [options] <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  list          List dead-lettered events\n")
		fmt.Fprintf(os.Stderr, "  show <id>     Print a single entry with its raw envelope\n")
		fmt.Fprintf(os.Stderr, "  count         Print the number of unarchived entries\n")
		fmt.Fprintf(os.Stderr, "  sweep         Archive unarchived entries to the archive dir\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	sink, err := deadletter.NewSQLiteSink(dbPath)
	if err != nil {
		log.Fatalf("Failed to open dead-letter database: %v", err)
	}
	defer sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch flag.Arg(0) {
	case "list":
		err = runList(ctx, sink, partition, limit, offset)
	case "show":
		if flag.NArg() < 2 {
			log.Fatalf("show requires an entry ID")
		}
		err = runShow(ctx, sink, flag.Arg(1))
	case "count":
		err = runCount(ctx, sink)
	case "sweep":
		err = runSweep(ctx, sink, archive)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatalf("%v", err)
	}
}

func runList(ctx context.Context, sink *deadletter.SQLiteSink, partition string, limit, offset int) error {
	entries, err := sink.List(ctx, partition, limit, offset)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no dead-lettered events")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPARTITION\tOFFSET\tENTITY\tCATEGORY\tCODE\tATTEMPTS\tCREATED")
	for _, e := range entries {
		entity := e.EntityType
		if e.EntityKey != "" {
			entity += "/" + e.EntityKey
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%d\t%s\n",
			e.ID, e.PartitionKey, e.SourceOffset, entity,
			e.ErrorCategory, e.ErrorCode, e.Attempts,
			e.CreatedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func runShow(ctx context.Context, sink *deadletter.SQLiteSink, id string) error {
	entry, err := sink.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("no entry with ID %s", id)
	}

	out, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	// Print the envelope separately when it is readable JSON.
	var envelope json.RawMessage
	if json.Unmarshal(entry.Envelope, &envelope) == nil {
		pretty, err := json.MarshalIndent(envelope, "", "  ")
		if err == nil {
			fmt.Println("\nEnvelope:")
			fmt.Println(string(pretty))
		}
	}
	return nil
}

func runCount(ctx context.Context, sink *deadletter.SQLiteSink) error {
	n, err := sink.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func runSweep(ctx context.Context, sink *deadletter.SQLiteSink, archiveDir string) error {
	store, err := storage.NewLocalStorage(archiveDir)
	if err != nil {
		return err
	}

	archiver := deadletter.NewArchiver(sink, store, deadletter.DefaultArchiverConfig())
	total := 0
	for {
		n, err := archiver.SweepOnce(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		total += n
	}
	fmt.Printf("archived %d entries to %s\n", total, archiveDir)
	return nil
}
