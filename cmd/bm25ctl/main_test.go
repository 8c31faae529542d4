package main

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("bm25ctl %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestBuildMergeInspect(t *testing.T) {
	t.Setenv("SP_INDEXER_MEMORY_BUDGET", "32768")
	t.Setenv("SP_INDEXER_SEGMENTS_PER_LEVEL", "64")
	dir := t.TempDir()
	out := run(t, "build", "--data-dir", dir, "--source", "synthetic", "--docs", "2000", "--vocabulary", "200", "--build-id", "cli")
	if !strings.Contains(out, "shard 0: 2,000 docs") || !strings.Contains(out, "build cli: 2,000 rows") {
		t.Fatalf("unexpected build output:\n%s", out)
	}
	m := regexp.MustCompile(`shard 0: [0-9,]+ docs, (\d+) segments`).FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("no segment count in build output:\n%s", out)
	}
	if n, _ := strconv.Atoi(m[1]); n < 2 {
		t.Fatalf("expected the budget to spill several segments, got %d", n)
	}
	out = run(t, "merge", "--data-dir", dir)
	if !strings.Contains(out, "shard 0: merged into block") {
		t.Fatalf("unexpected merge output:\n%s", out)
	}
	out = run(t, "inspect", "--data-dir", dir, "--term", "t0000", "--postings", "2")
	if !strings.Contains(out, "docs 2,000") || !strings.Contains(out, `"t0000"`) || !strings.Contains(out, "more") {
		t.Fatalf("unexpected inspect output:\n%s", out)
	}
}

func TestSpillLines(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(t.TempDir(), "docs.txt")
	if err := os.WriteFile(input, []byte("first line\n\nsecond line\n"), 0644); err != nil {
		t.Fatal(err)
	}
	out := run(t, "spill", "--data-dir", dir, input)
	if !strings.Contains(out, "shard 0: spilled segment at block") {
		t.Fatalf("unexpected spill output:\n%s", out)
	}
	out = run(t, "inspect", "--data-dir", dir, "--term", "line")
	if !strings.Contains(out, "doc freq 2") || !strings.Contains(out, "(0,1)") || !strings.Contains(out, "(0,2)") {
		t.Fatalf("unexpected inspect output:\n%s", out)
	}
}
