// Command hvpdb-bench is a small end-to-end smoke test: it opens a fresh
// database, runs a batch of inserts inside a transaction, exercises a
// unique index, times a checkpoint, then reopens the file to confirm
// everything survived the round trip. It is not a CLI meant for real
// workloads — it exists the way the teacher pack's examples/ directory
// does, as a runnable demonstration of the library's basic lifecycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/8w6s/hvpdb/group"
	"github.com/8w6s/hvpdb/hvpdb"
	"github.com/8w6s/hvpdb/query"
)

func main() {
	n := flag.Int("n", 1000, "number of documents to insert")
	dir := flag.String("dir", "", "directory to create the database in (default: a temp dir)")
	password := flag.String("password", "bench-password", "database password")
	flag.Parse()

	workdir := *dir
	if workdir == "" {
		tmp, err := os.MkdirTemp("", "hvpdb-bench")
		if err != nil {
			fatal("create temp dir: %v", err)
		}
		workdir = tmp
		defer os.RemoveAll(workdir)
	}
	path := filepath.Join(workdir, "bench")

	if err := run(path, *password, *n); err != nil {
		fatal("%v", err)
	}
}

func run(path, password string, n int) error {
	db, err := hvpdb.Open(path, password, hvpdb.DefaultOptions())
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	products, err := db.Group("products")
	if err != nil {
		return fmt.Errorf("group: %w", err)
	}
	if err := products.CreateIndex("sku", true); err != nil {
		return fmt.Errorf("create index: %w", err)
	}

	ctx := context.Background()
	start := time.Now()

	err = db.WithTransaction(ctx, func(txCtx context.Context) error {
		for i := 0; i < n; i++ {
			_, err := products.Insert(txCtx, group.Document{
				"sku":   fmt.Sprintf("SKU-%06d", i),
				"price": 1000 + i,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	insertElapsed := time.Since(start)

	checkpointStart := time.Now()
	if err := db.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	checkpointElapsed := time.Since(checkpointStart)

	found := products.Find(query.Query{"sku": "SKU-000001"})
	if len(found) != 1 {
		return fmt.Errorf("expected 1 match for SKU-000001, got %d", len(found))
	}

	if err := db.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	db2, err := hvpdb.Open(path, password, hvpdb.DefaultOptions())
	if err != nil {
		return fmt.Errorf("reopen: %w", err)
	}
	defer db2.Close()

	reopened, err := db2.Group("products")
	if err != nil {
		return fmt.Errorf("reopen group: %w", err)
	}
	if got := reopened.Count(nil); got != n {
		return fmt.Errorf("expected %d documents after reopen, got %d", n, got)
	}

	fmt.Printf("inserted %d documents in %s (%.0f docs/sec)\n", n, insertElapsed, float64(n)/insertElapsed.Seconds())
	fmt.Printf("checkpoint took %s\n", checkpointElapsed)
	fmt.Printf("reopen verified %d documents present\n", n)
	return nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "hvpdb-bench: "+format+"\n", args...)
	os.Exit(1)
}
