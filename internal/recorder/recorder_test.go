package recorder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"md-recorder/internal/config"
	"md-recorder/internal/stats"
)

var testStart = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) config.RecorderConfig {
	t.Helper()
	return config.RecorderConfig{
		BaseDir:   t.TempDir(),
		GzipLevel: 6,
		QueueSize: 64,
	}
}

// readArtifact 解压多成员 gzip 文件并按行切分。
func readArtifact(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer zr.Close()

	var lines []string
	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan artifact: %v", err)
	}
	return lines
}

func makeLines(n int) [][]byte {
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, []byte(fmt.Sprintf(`{"op":"update","v":1,"pt":%d,"updates":[{"key":"M1"}]}`, 1700000000000+i)))
	}
	return out
}

func TestRoundTripIdentity(t *testing.T) {
	cfg := testConfig(t)
	rec := New(cfg, nil, nil)

	meta := Meta{Category: "football", StartTime: testStart, DisplayName: "Match Odds"}
	lines := makeLines(25)
	for i, line := range lines {
		if !rec.Append("M1", meta, line, testStart.UnixMilli()+int64(i)) {
			t.Fatalf("append %d rejected", i)
		}
	}

	rec.Finalize("M1", stats.Summary{Key: "M1", LineCount: 25})
	if failed := rec.Shutdown(func(string) stats.Summary { return stats.Summary{} }); len(failed) != 0 {
		t.Fatalf("unexpected finalize failures: %v", failed)
	}

	finalPath := FinalPath(cfg.BaseDir, "football", testStart, "M1")
	got := readArtifact(t, finalPath)
	if len(got) != len(lines) {
		t.Fatalf("line count mismatch: got %d want %d", len(got), len(lines))
	}
	for i := range lines {
		if got[i] != string(lines[i]) {
			t.Errorf("line %d mismatch: got %q want %q", i, got[i], lines[i])
		}
	}
	if _, err := os.Stat(PartPath(finalPath)); !os.IsNotExist(err) {
		t.Errorf("expected .part to be gone, stat err=%v", err)
	}
}

func TestFinalizeIdempotence(t *testing.T) {
	cfg := testConfig(t)
	finalPath := FinalPath(cfg.BaseDir, "tennis", testStart, "M7")

	h, err := openHandle("M7", finalPath, cfg.GzipLevel)
	if err != nil {
		t.Fatalf("openHandle: %v", err)
	}
	for _, line := range makeLines(5) {
		if err := h.append(line); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := h.finalize(); err != nil {
		t.Fatalf("first finalize: %v", err)
	}

	before, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}

	if err := h.finalize(); err != nil {
		t.Fatalf("second finalize: %v", err)
	}

	after, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("re-read artifact: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("artifact changed after repeated finalize: %d vs %d bytes", len(before), len(after))
	}
}

func TestCrashResumptionMergesAllLines(t *testing.T) {
	cfg := testConfig(t)
	finalPath := FinalPath(cfg.BaseDir, "tennis", testStart, "M3")
	lines := makeLines(20)

	// 第一段：写 12 行后模拟进程被强杀——裸关文件，不终止 gzip 成员。
	h, err := openHandle("M3", finalPath, cfg.GzipLevel)
	if err != nil {
		t.Fatalf("openHandle: %v", err)
	}
	for _, line := range lines[:12] {
		if err := h.append(line); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := h.raw.Close(); err != nil {
		t.Fatalf("simulate crash: %v", err)
	}

	if _, err := os.Stat(PartPath(finalPath)); err != nil {
		t.Fatalf("expected orphaned .part: %v", err)
	}

	// 第二段：同键同类别同日期重启，续写剩余行并收尾。
	h2, err := openHandle("M3", finalPath, cfg.GzipLevel)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	for _, line := range lines[12:] {
		if err := h2.append(line); err != nil {
			t.Fatalf("append after resume: %v", err)
		}
	}
	if err := h2.finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	got := readArtifact(t, finalPath)
	if len(got) != len(lines) {
		t.Fatalf("line count mismatch after crash resume: got %d want %d", len(got), len(lines))
	}
	for i := range lines {
		if got[i] != string(lines[i]) {
			t.Fatalf("line %d mismatch after crash resume", i)
		}
	}
}

func TestFinalizeAppendsToExistingArtifact(t *testing.T) {
	cfg := testConfig(t)
	finalPath := FinalPath(cfg.BaseDir, "tennis", testStart, "M9")
	lines := makeLines(10)

	// 第一次会话：录 6 行并收尾（改名为最终文件）。
	h, err := openHandle("M9", finalPath, cfg.GzipLevel)
	if err != nil {
		t.Fatalf("openHandle: %v", err)
	}
	for _, line := range lines[:6] {
		if err := h.append(line); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := h.finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// 第二次会话：同一命名窗口内重开，收尾时应以独立 gzip 成员拼接。
	h2, err := openHandle("M9", finalPath, cfg.GzipLevel)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	for _, line := range lines[6:] {
		if err := h2.append(line); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := h2.finalize(); err != nil {
		t.Fatalf("second finalize: %v", err)
	}

	got := readArtifact(t, finalPath)
	if len(got) != len(lines) {
		t.Fatalf("line count mismatch: got %d want %d", len(got), len(lines))
	}
	for i := range lines {
		if got[i] != string(lines[i]) {
			t.Fatalf("line %d mismatch across sessions", i)
		}
	}
}

func TestWriteFailureIsolation(t *testing.T) {
	cfg := testConfig(t)
	rec := New(cfg, nil, nil)

	metaA := Meta{Category: "tennis", StartTime: testStart}
	metaB := Meta{Category: "tennis", StartTime: testStart}

	// 让 A 的 .part 路径被目录占据，打开必然失败。
	finalA := FinalPath(cfg.BaseDir, "tennis", testStart, "A")
	if err := os.MkdirAll(PartPath(finalA), 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}

	linesB := makeLines(8)
	rec.Append("A", metaA, []byte(`{"op":"update","v":1,"pt":1,"updates":[{"key":"A"}]}`), 1)
	for i, line := range linesB {
		rec.Append("B", metaB, line, int64(i+1))
	}

	rec.Finalize("A", stats.Summary{Key: "A"})
	rec.Finalize("B", stats.Summary{Key: "B", LineCount: int64(len(linesB))})
	failed := rec.Shutdown(func(string) stats.Summary { return stats.Summary{} })

	if len(failed) != 1 || failed[0] != "A" {
		t.Fatalf("expected only key A to fail, got %v", failed)
	}

	finalB := FinalPath(cfg.BaseDir, "tennis", testStart, "B")
	got := readArtifact(t, finalB)
	if len(got) != len(linesB) {
		t.Fatalf("key B line count: got %d want %d", len(got), len(linesB))
	}
}

// gateCatalog 在 MarkOpen 处卡住工作协程，使队列可被确定性地填满。
type gateCatalog struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateCatalog) MarkOpen(context.Context, string, string, string, time.Time, string) error {
	close(g.entered)
	<-g.release
	return nil
}

func (g *gateCatalog) MarkFinalized(context.Context, string, stats.Summary, int64) error {
	return nil
}

func TestQueueFullDropsCountedAndExcluded(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueSize = 2
	gate := &gateCatalog{entered: make(chan struct{}), release: make(chan struct{})}
	rec := New(cfg, gate, nil)

	meta := Meta{Category: "tennis", StartTime: testStart}
	lines := makeLines(6)

	// 首行被工作协程取走后卡在目录登记处，此时队列容量为 2：
	// 再两行被接受，其余必须被拒绝而非阻塞。
	if !rec.Append("M5", meta, lines[0], 1) {
		t.Fatal("first append rejected")
	}
	<-gate.entered

	accepted := 1
	rejected := 0
	for i, line := range lines[1:] {
		if rec.Append("M5", meta, line, int64(i+2)) {
			accepted++
		} else {
			rejected++
		}
	}
	if accepted != 3 || rejected != 3 {
		t.Fatalf("accepted=%d rejected=%d, want 3 and 3", accepted, rejected)
	}

	w := rec.workers["M5"]
	close(gate.release)

	rec.Finalize("M5", stats.Summary{Key: "M5", LineCount: int64(accepted)})
	if failed := rec.Shutdown(func(string) stats.Summary { return stats.Summary{} }); len(failed) != 0 {
		t.Fatalf("unexpected finalize failures: %v", failed)
	}

	if got := w.dropped.Load(); got != int64(rejected) {
		t.Fatalf("drop counter: got %d want %d", got, rejected)
	}

	finalPath := FinalPath(cfg.BaseDir, "tennis", testStart, "M5")
	got := readArtifact(t, finalPath)
	if len(got) != accepted {
		t.Fatalf("artifact lines: got %d want %d (dropped lines must not land)", len(got), accepted)
	}
	for i := 0; i < accepted; i++ {
		if got[i] != string(lines[i]) {
			t.Fatalf("line %d mismatch: got %q want %q", i, got[i], lines[i])
		}
	}
}

func TestFinalizeWithoutWritesIsNoop(t *testing.T) {
	cfg := testConfig(t)
	rec := New(cfg, nil, nil)

	rec.Finalize("never-written", stats.Summary{})
	if failed := rec.Shutdown(func(string) stats.Summary { return stats.Summary{} }); len(failed) != 0 {
		t.Fatalf("unexpected failures: %v", failed)
	}

	entries, err := os.ReadDir(cfg.BaseDir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty base dir, got %d entries", len(entries))
	}
}

func TestFinalPathIsPureFunctionOfInputs(t *testing.T) {
	base := "/data/rec"
	p1 := FinalPath(base, "football", testStart, "M1")
	p2 := FinalPath(base, "football", testStart.Add(3*time.Hour), "M1")

	want := filepath.Join(base, "2026-03-14", "football", "M1.log.gz")
	if p1 != want {
		t.Fatalf("path mismatch: got %q want %q", p1, want)
	}
	if p1 != p2 {
		t.Fatalf("same-day start times must map to same path: %q vs %q", p1, p2)
	}

	if got := FinalPath(base, "", testStart, "M1"); got != filepath.Join(base, "2026-03-14", "unknown", "M1.log.gz") {
		t.Fatalf("empty category fallback mismatch: %q", got)
	}
}
