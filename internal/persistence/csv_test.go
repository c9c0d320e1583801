package persistence

import (
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"egfet-controls/internal/config"
	"egfet-controls/internal/event"
	"egfet-controls/internal/types"
)

func testRecorder(t *testing.T, prefix, suffix string) (*CSVRecorder, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		ExperimentName: "CSVTest",
		DataRoot:       dir,
		Prefix:         prefix,
		Suffix:         suffix,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCSVRecorder(cfg, []string{"cellA", "cellB"}, logger), dir
}

func row(vgs, cell, sweep int, current float64) *types.CellDataRow {
	return &types.CellDataRow{
		Time:         0.5,
		State:        types.StateWaitRecord,
		VgsIndex:     vgs,
		CellIndex:    cell,
		SweepIndex:   sweep,
		DrainVoltage: 0.5,
		GateVoltage:  0.1 * float64(vgs),
		DrainCurrent: current,
		Stable:       true,
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("打开数据文件失败: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("解析数据文件失败: %v", err)
	}
	return records
}

func TestRecorderWritesPerCellPerSweepFiles(t *testing.T) {
	rec, dir := testRecorder(t, "run", "")

	rec.HandleRow(event.Event{Kind: event.DataRow, Row: row(0, 0, 0, 1e-3)})
	rec.HandleRow(event.Event{Kind: event.DataRow, Row: row(0, 1, 0, 2e-3)})
	rec.HandleRow(event.Event{Kind: event.DataRow, Row: row(1, 0, 0, 3e-3)})
	rec.HandleRow(event.Event{Kind: event.DataRow, Row: row(0, 0, 1, 4e-3)})
	rec.Finalize()

	// 每个 (单元, 轮次) 组合一个文件
	wantFiles := []string{
		"run_CSVTest_cellA_0.csv",
		"run_CSVTest_cellB_0.csv",
		"run_CSVTest_cellA_1.csv",
	}
	for _, name := range wantFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("期望的数据文件缺失: %s", name)
		}
	}

	records := readCSV(t, filepath.Join(dir, "run_CSVTest_cellA_0.csv"))
	// 表头加两条数据行
	if len(records) != 3 {
		t.Fatalf("记录数错误: 得到 %d, 期望 3", len(records))
	}
	wantHeader := types.CellDataRow{}.Header()
	for i, col := range wantHeader {
		if records[0][i] != col {
			t.Errorf("表头第 %d 列错误: 得到 %q, 期望 %q", i, records[0][i], col)
		}
	}
	if records[1][7] != "1e-03" {
		t.Errorf("首行漏电流错误: %q", records[1][7])
	}
	if records[2][2] != "1" {
		t.Errorf("第二行栅压步索引错误: %q", records[2][2])
	}
}

func TestRecorderFilenameWithSuffix(t *testing.T) {
	rec, dir := testRecorder(t, "", "dry")
	rec.HandleRow(event.Event{Kind: event.DataRow, Row: row(0, 1, 2, 1e-3)})
	rec.Finalize()

	if _, err := os.Stat(filepath.Join(dir, "CSVTest_cellB_dry_2.csv")); err != nil {
		t.Errorf("带后缀的文件名规则错误, 目录内容: %v", dirNames(t, dir))
	}
}

func TestRecorderIgnoresNonRowEvents(t *testing.T) {
	rec, dir := testRecorder(t, "", "")
	rec.HandleRow(event.Event{Kind: event.Progress, Percent: 50})
	rec.Finalize()
	if names := dirNames(t, dir); len(names) != 0 {
		t.Errorf("非数据事件不应产生文件: %v", names)
	}
}

func TestRecorderAppendsAfterFinalize(t *testing.T) {
	// 同一 (单元, 轮次) 在 Finalize 之后继续写入时追加而不是截断
	rec, dir := testRecorder(t, "", "")
	rec.HandleRow(event.Event{Kind: event.DataRow, Row: row(0, 0, 0, 1e-3)})
	rec.Finalize()
	rec.HandleRow(event.Event{Kind: event.DataRow, Row: row(1, 0, 0, 2e-3)})
	rec.Finalize()

	records := readCSV(t, filepath.Join(dir, "CSVTest_cellA_0.csv"))
	// 两次打开各写一次表头，数据行各一条
	if len(records) != 4 {
		t.Fatalf("记录数错误: 得到 %d, 期望 4", len(records))
	}
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("读取目录失败: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
