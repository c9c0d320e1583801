package persistence

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"egfet-controls/internal/config"
	"egfet-controls/internal/event"
	"egfet-controls/internal/types"
)

// CSVRecorder 把数据行事件落盘为 CSV 文件
// 每个 (单元, 扫描轮次) 组合一个文件，首行写入表头
// 作为事件总线上 DataRow 事件的处理器挂载，排水协程保证行的写入顺序
type CSVRecorder struct {
	cfg   *config.Config
	cells []string // 参与运行的单元名称，下标与数据行的 cell_index 对应

	mu      sync.Mutex
	files   map[fileKey]*os.File
	writers map[fileKey]*csv.Writer
	logger  *slog.Logger
}

type fileKey struct {
	cellIndex  int
	sweepIndex int
}

// NewCSVRecorder 创建一个 CSV 记录器
func NewCSVRecorder(cfg *config.Config, cells []string, logger *slog.Logger) *CSVRecorder {
	return &CSVRecorder{
		cfg:     cfg,
		cells:   cells,
		files:   make(map[fileKey]*os.File),
		writers: make(map[fileKey]*csv.Writer),
		logger:  logger.With("component", "csv-recorder"),
	}
}

// filename 按照 {prefix}_{实验名}_{单元名}{_{suffix}}_{轮次}.csv 的规则生成文件名
func (r *CSVRecorder) filename(key fileKey) string {
	cellName := fmt.Sprintf("cell%d", key.cellIndex)
	if key.cellIndex < len(r.cells) {
		cellName = r.cells[key.cellIndex]
	}
	name := ""
	if r.cfg.Prefix != "" {
		name += r.cfg.Prefix + "_"
	}
	name += r.cfg.ExperimentName + "_" + cellName
	if r.cfg.Suffix != "" {
		name += "_" + r.cfg.Suffix
	}
	name += fmt.Sprintf("_%d.csv", key.sweepIndex)
	return filepath.Join(r.cfg.DataRoot, name)
}

// HandleRow 处理一条数据行事件，必要时创建新文件并写入表头
func (r *CSVRecorder) HandleRow(e event.Event) {
	if e.Row == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	row := e.Row
	key := fileKey{cellIndex: row.CellIndex, sweepIndex: row.SweepIndex}
	w, ok := r.writers[key]
	if !ok {
		path := r.filename(key)
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			r.logger.Error("创建数据文件失败", "path", path, "error", err)
			return
		}
		w = csv.NewWriter(file)
		if err := w.Write(row.Header()); err != nil {
			r.logger.Error("写入表头失败", "path", path, "error", err)
		}
		r.files[key] = file
		r.writers[key] = w
		r.logger.Info("创建数据文件", "path", path)
	}

	if err := w.Write(rowRecord(row)); err != nil {
		r.logger.Error("写入数据行失败", "error", err)
	}
}

// rowRecord 按表头顺序把数据行转为字符串切片
func rowRecord(row *types.CellDataRow) []string {
	return []string{
		strconv.FormatFloat(row.Time, 'f', -1, 64),
		string(row.State),
		strconv.Itoa(row.VgsIndex),
		strconv.Itoa(row.CellIndex),
		strconv.Itoa(row.SweepIndex),
		strconv.FormatFloat(row.DrainVoltage, 'f', -1, 64),
		strconv.FormatFloat(row.GateVoltage, 'f', -1, 64),
		strconv.FormatFloat(row.DrainCurrent, 'e', -1, 64),
		strconv.FormatBool(row.Stable),
	}
}

// Finalize 把所有缓冲写入磁盘并关闭文件
// 在运行结束（收到 end 状态事件）时调用
func (r *CSVRecorder) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, w := range r.writers {
		w.Flush()
		if err := w.Error(); err != nil {
			r.logger.Error("刷新数据文件失败", "error", err)
		}
		if file, ok := r.files[key]; ok {
			// 确保数据被刷新到磁盘，防止数据丢失
			if err := file.Sync(); err != nil {
				r.logger.Error("同步数据文件失败", "error", err)
			}
			file.Close()
		}
	}
	r.writers = make(map[fileKey]*csv.Writer)
	r.files = make(map[fileKey]*os.File)
}
