// vfile-bench is a benchmark and stress test for the vfile library.
// It generates a text file and measures common editing operations on it.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/phroun/vfile"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	sizeMB     int
	blockSize  int
	cacheSlots int
	keepFiles  bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "vfile-bench",
	Short: "Benchmark the block-paged virtual file",
	RunE:  runBench,
}

func init() {
	rootCmd.Flags().IntVar(&sizeMB, "size", 64, "size of the generated file in MB")
	rootCmd.Flags().IntVar(&blockSize, "block-size", 2048, "scratch file block size")
	rootCmd.Flags().IntVar(&cacheSlots, "cache-slots", 64, "resident block slots")
	rootCmd.Flags().BoolVar(&keepFiles, "keep", false, "keep the generated files")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type BenchResult struct {
	Name     string
	Duration time.Duration
	Ops      int
	Extra    string
}

func (r BenchResult) String() string {
	if r.Ops > 0 {
		opsPerSec := float64(r.Ops) / r.Duration.Seconds()
		if r.Extra != "" {
			return fmt.Sprintf("%-40s %12v  (%d ops, %.2f ops/sec) %s", r.Name, r.Duration.Round(time.Millisecond), r.Ops, opsPerSec, r.Extra)
		}
		return fmt.Sprintf("%-40s %12v  (%d ops, %.2f ops/sec)", r.Name, r.Duration.Round(time.Millisecond), r.Ops, opsPerSec)
	}
	if r.Extra != "" {
		return fmt.Sprintf("%-40s %12v  %s", r.Name, r.Duration.Round(time.Millisecond), r.Extra)
	}
	return fmt.Sprintf("%-40s %12v", r.Name, r.Duration.Round(time.Millisecond))
}

func runBench(cmd *cobra.Command, args []string) error {
	fileSize := int64(sizeMB) << 20
	fmt.Println("vfile Benchmark and Stress Test")
	fmt.Println("===============================")
	fmt.Printf("File size: %d MB, block size %d, %d cache slots\n", sizeMB, blockSize, cacheSlots)
	fmt.Printf("Go version: %s\n", runtime.Version())
	fmt.Println()

	tmpDir, err := os.MkdirTemp("", "vfile-bench-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	if !keepFiles {
		defer os.RemoveAll(tmpDir)
	}

	logger := zap.NewNop()
	if verbose {
		logger, _ = zap.NewDevelopment()
	}

	cfg := vfile.DefaultConfig()
	cfg.BlockSize = blockSize
	cfg.CacheSlots = cacheSlots
	cfg.ScratchDir = filepath.Join(tmpDir, "scratch")
	// Blocks are at least half full after import; leave room for edits.
	cfg.MaxLogicalBlocks = int(fileSize/int64(blockSize/2)) + 1024

	lib, err := vfile.Init(vfile.LibraryOptions{Config: &cfg, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to init library: %w", err)
	}
	defer lib.Close()

	ctx := context.Background()
	testFile := filepath.Join(tmpDir, "test.txt")
	var results []BenchResult

	fmt.Println("Generating test file...")
	result := generateTestFile(testFile, fileSize)
	results = append(results, result)
	fmt.Println(result)
	fmt.Println()

	runBench := func(name string, fn func() BenchResult) {
		fmt.Printf("  %-40s ", name+"...")
		result := fn()
		result.Name = name
		fmt.Printf("%v\n", result.Duration.Round(time.Millisecond))
		results = append(results, result)
	}

	var d *vfile.Document
	fmt.Println("File opening:")
	runBench("Import file", func() BenchResult {
		start := time.Now()
		d, err = lib.Open(ctx, vfile.OpenOptions{Path: testFile})
		if err != nil {
			return BenchResult{Extra: fmt.Sprintf("ERROR: %v", err)}
		}
		return BenchResult{Duration: time.Since(start), Extra: fmt.Sprintf("%d lines", d.LineCount())}
	})
	if d == nil {
		return err
	}

	fmt.Println("\nReading:")
	runBench("Random line reads", func() BenchResult { return benchLineReads(d) })
	runBench("Sequential write-out", func() BenchResult { return benchWriteOut(d) })

	fmt.Println("\nEditing:")
	runBench("Small inserts (1000 changes)", func() BenchResult { return benchSmallInserts(ctx, d) })
	runBench("Line deletes (1000 changes)", func() BenchResult { return benchLineDeletes(ctx, d) })
	runBench("Large insert (1 MB)", func() BenchResult { return benchLargeInsert(ctx, d) })
	runBench("Cut and paste (100 lines x 100)", func() BenchResult { return benchCutPaste(ctx, d) })
	runBench("Undo/redo cycles", func() BenchResult { return benchUndo(ctx, d) })

	fmt.Println("\nSearch:")
	runBench("Search (find last line)", func() BenchResult { return benchSearch(d) })

	fmt.Println("\nMaintenance:")
	runBench("Compact", func() BenchResult { return benchCompact(ctx, d) })
	runBench("Integrity check", func() BenchResult {
		start := time.Now()
		err := d.CheckIntegrity(ctx)
		r := BenchResult{Duration: time.Since(start)}
		if err != nil {
			r.Extra = fmt.Sprintf("ERROR: %v", err)
		}
		return r
	})
	runBench("Save", func() BenchResult {
		start := time.Now()
		err := d.Save(ctx, filepath.Join(tmpDir, "saved.txt"), true)
		r := BenchResult{Duration: time.Since(start)}
		if err != nil {
			r.Extra = fmt.Sprintf("ERROR: %v", err)
		}
		return r
	})

	fmt.Println()
	fmt.Println("SUMMARY")
	fmt.Println("=======")
	for _, r := range results {
		fmt.Println(r)
	}

	s := d.Stats()
	fmt.Println()
	fmt.Printf("Blocks: %d logical, %d in file, %d free\n", s.LogicalBlocks, s.FileBlocks, s.FreeBlocks)
	fmt.Printf("Cache: %d hits, %d misses, %d evictions, %d writes\n", s.Hits, s.Misses, s.Evictions, s.BlockWrites)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Printf("Peak heap allocation: %d MB\n", m.HeapSys/(1024*1024))
	return nil
}

func generateTestFile(path string, size int64) BenchResult {
	start := time.Now()
	f, err := os.Create(path)
	if err != nil {
		return BenchResult{Name: "Generate test file", Extra: fmt.Sprintf("ERROR: %v", err)}
	}
	defer f.Close()

	lineNum := 1
	written := int64(0)
	line := make([]byte, 0, 128)
	for written < size {
		line = fmt.Appendf(line[:0], "%08d: ", lineNum)
		contentLen := 60 + lineNum%40
		for i := 0; i < contentLen; i++ {
			line = append(line, 'a'+byte((lineNum+i)%26))
		}
		line = append(line, '\n')
		n, err := f.Write(line)
		if err != nil {
			return BenchResult{Name: "Generate test file", Duration: time.Since(start), Extra: fmt.Sprintf("ERROR: %v", err)}
		}
		written += int64(n)
		lineNum++
	}
	return BenchResult{
		Name:     "Generate test file",
		Duration: time.Since(start),
		Extra:    fmt.Sprintf("%d lines", lineNum-1),
	}
}

func benchLineReads(d *vfile.Document) BenchResult {
	n := d.LineCount()
	ops := 0
	start := time.Now()
	for i := 0; i < 10000; i++ {
		if _, err := d.Line(1 + (i*7919)%n); err == nil {
			ops++
		}
	}
	return BenchResult{Duration: time.Since(start), Ops: ops}
}

func benchWriteOut(d *vfile.Document) BenchResult {
	start := time.Now()
	n, err := d.WriteTo(io.Discard)
	r := BenchResult{Duration: time.Since(start), Extra: fmt.Sprintf("%d MB", n>>20)}
	if err != nil {
		r.Extra = fmt.Sprintf("ERROR: %v", err)
	}
	return r
}

func benchSmallInserts(ctx context.Context, d *vfile.Document) BenchResult {
	n := d.LineCount()
	ops := 0
	start := time.Now()
	for i := 0; i < 1000; i++ {
		at := vfile.MarkAt(1+(i*104729)%n, 4)
		if err := d.Insert(ctx, at, "xxxxxxxxxx"); err == nil {
			ops++
		}
	}
	return BenchResult{Duration: time.Since(start), Ops: ops}
}

func benchLineDeletes(ctx context.Context, d *vfile.Document) BenchResult {
	ops := 0
	start := time.Now()
	for i := 0; i < 1000; i++ {
		line := 1 + (i*15485863)%(d.LineCount()-1)
		if err := d.Delete(ctx, vfile.LineMark(line), vfile.LineMark(line+1)); err == nil {
			ops++
		}
	}
	return BenchResult{Duration: time.Since(start), Ops: ops}
}

func benchLargeInsert(ctx context.Context, d *vfile.Document) BenchResult {
	text := make([]byte, 0, 1<<20)
	for len(text) < 1<<20 {
		text = append(text, "the quick brown fox jumps over the lazy dog\n"...)
	}
	start := time.Now()
	err := d.Insert(ctx, vfile.LineMark(d.LineCount()/2), string(text))
	r := BenchResult{Duration: time.Since(start), Ops: 1}
	if err != nil {
		r.Extra = fmt.Sprintf("ERROR: %v", err)
	}
	return r
}

func benchCutPaste(ctx context.Context, d *vfile.Document) BenchResult {
	n := d.LineCount()
	ops := 0
	start := time.Now()
	for i := 0; i < 100; i++ {
		from := 1 + (i*7919)%(n-100)
		if err := d.Cut(ctx, 'a', vfile.LineMark(from), vfile.LineMark(from+100)); err != nil {
			continue
		}
		if _, err := d.Paste(ctx, 'a', vfile.LineMark(n/3), false, false); err == nil {
			ops++
		}
	}
	return BenchResult{Duration: time.Since(start), Ops: ops}
}

func benchUndo(ctx context.Context, d *vfile.Document) BenchResult {
	ops := 0
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := d.Undo(ctx); err == nil {
			ops++
		}
	}
	return BenchResult{Duration: time.Since(start), Ops: ops}
}

func benchSearch(d *vfile.Document) BenchResult {
	last, err := d.Line(d.LineCount())
	if err != nil || len(last) < 8 {
		return BenchResult{Extra: "no pattern"}
	}
	start := time.Now()
	_, err = d.FindString(vfile.LineMark(1), last[:8], vfile.SearchOptions{CaseSensitive: true})
	r := BenchResult{Duration: time.Since(start), Ops: 1}
	if err != nil {
		r.Extra = fmt.Sprintf("ERROR: %v", err)
	}
	return r
}

func benchCompact(ctx context.Context, d *vfile.Document) BenchResult {
	start := time.Now()
	merged, err := d.Compact(ctx)
	r := BenchResult{Duration: time.Since(start), Extra: fmt.Sprintf("%d blocks merged", merged)}
	if err != nil {
		r.Extra = fmt.Sprintf("ERROR: %v", err)
	}
	return r
}
