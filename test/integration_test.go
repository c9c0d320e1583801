package test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"egfet-controls/internal/config"
	"egfet-controls/internal/connection"
	"egfet-controls/internal/device"
	"egfet-controls/internal/event"
	"egfet-controls/internal/experiment"
	"egfet-controls/internal/handlers"
	"egfet-controls/internal/persistence"
	"egfet-controls/internal/sampling"
	"egfet-controls/internal/types"
	"egfet-controls/internal/web"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// testApp 捆绑一套完整装配的应用实例
type testApp struct {
	cfg     *config.Config
	sup     *experiment.Supervisor
	exp     *experiment.Experiment
	tracker *web.ExperimentTracker
	server  *httptest.Server
	dataDir string
}

// setupTestApp 按主程序的装配方式启动一个完整的应用实例
// mutate 不为 nil 时可在装配前调整基准配置
func setupTestApp(t *testing.T, mutate func(*config.Config)) *testApp {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	dataDir := t.TempDir()

	cfg := &config.Config{
		ExperimentName:     "Integration",
		DataRoot:           dataDir,
		Prefix:             "it",
		MuxTopology:        "2524/1-Wire Dual 64x1 Mux",
		DrainVoltage:       0.5,
		StartVoltage:       0.0,
		EndVoltage:         0.2,
		VoltageStep:        0.1,
		NumSweeps:          1,
		DrainCurrentLimit:  0.01,
		GateCurrentLimit:   0.001,
		SamplingMode:       "simple",
		ReadRetries:        1,
		StabilityThreshold: 0.01,
		CellNames:          []string{"cellA", "cellB"},
		CellChannelMapping: map[string]types.ChannelID{
			"cellA": "ch0",
			"cellB": "ch1",
		},
		ReferenceChannelMapping: map[string]types.ChannelID{
			"cellA": "ch64",
			"cellB": "ch65",
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	hub := web.NewHub()
	go hub.Run()
	tracker := web.NewExperimentTracker(hub)
	queue := event.NewQueue()
	bus := event.NewBus()

	vds := device.NewMockSourceMeter("vds", logger)
	vgs := device.NewMockSourceMeter("vgs", logger)
	mux := device.NewMockMultiplexer("mux", cfg.MuxTopology, logger)
	conn, err := connection.ForTopology(cfg, mux)
	if err != nil {
		t.Fatalf("构造连接策略失败: %v", err)
	}
	sampler, err := sampling.ForMode(cfg)
	if err != nil {
		t.Fatalf("构造采样策略失败: %v", err)
	}

	ctrl := experiment.NewControls()
	exp, err := experiment.New(cfg, vds, vgs, mux, conn, sampler, queue, ctrl, logger)
	if err != nil {
		t.Fatalf("构造实验失败: %v", err)
	}
	sup := experiment.NewSupervisor(queue, ctrl, logger)

	recorder := persistence.NewCSVRecorder(cfg, exp.Cells(), logger)
	handlers.RegisterEventHandlers(bus, tracker, recorder, exp.Cells(), logger)
	go event.Pump(queue, bus)
	t.Cleanup(queue.Close)

	httpMux := http.NewServeMux()
	httpMux.Handle("/metrics", promhttp.Handler())
	httpMux.HandleFunc("/ws", hub.ServeWs(tracker))
	httpMux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tracker.Snapshot())
	})
	httpMux.HandleFunc("/api/control", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req.Action {
		case "start":
			if err := sup.Start(exp); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
		case "pause":
			sup.Pause()
		case "resume":
			sup.Resume()
		case "stop":
			if err := sup.Stop(5 * time.Second); err != nil {
				http.Error(w, err.Error(), http.StatusGatewayTimeout)
				return
			}
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	server := httptest.NewServer(httpMux)
	t.Cleanup(server.Close)

	return &testApp{cfg: cfg, sup: sup, exp: exp, tracker: tracker, server: server, dataDir: dataDir}
}

func getState(t *testing.T, app *testApp) web.ExperimentState {
	t.Helper()
	resp, err := http.Get(app.server.URL + "/api/state")
	if err != nil {
		t.Fatalf("查询状态失败: %v", err)
	}
	defer resp.Body.Close()
	var state web.ExperimentState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("解析状态响应失败: %v", err)
	}
	return state
}

func postControl(t *testing.T, app *testApp, action string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"action": action})
	resp, err := http.Post(app.server.URL+"/api/control", "application/json", bytes.NewBuffer(body))
	if err != nil {
		t.Fatalf("控制请求失败: %v", err)
	}
	return resp
}

// waitForState 轮询追踪器直到状态条件满足
func waitForState(t *testing.T, app *testApp, cond func(web.ExperimentState) bool) web.ExperimentState {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		state := getState(t, app)
		if cond(state) {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("等待状态条件超时")
	return web.ExperimentState{}
}

func TestFullRunThroughHTTP(t *testing.T) {
	app := setupTestApp(t, nil)

	if err := app.sup.Start(app.exp); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	if err := app.sup.Join(10 * time.Second); err != nil {
		t.Fatalf("等待运行结束失败: %v", err)
	}
	result := app.sup.ExitStatus()
	if result == nil || result.Status != types.ExitCompleted {
		t.Fatalf("退出结果错误: %+v", result)
	}

	// 事件经排水协程异步到达，轮询到全部数据行落地
	state := waitForState(t, app, func(s web.ExperimentState) bool {
		return s.State == types.StateEnd && s.RowsDone == 6
	})
	if state.Percent != 100 {
		t.Errorf("最终进度错误: 得到 %v, 期望 100", state.Percent)
	}
	if state.LastRow == nil || state.LastRow.VgsIndex != 2 || state.LastRow.CellIndex != 1 {
		t.Errorf("最后一条记录错误: %+v", state.LastRow)
	}
	if state.LastError != "" {
		t.Errorf("不应有错误: %q", state.LastError)
	}

	// 每个 (单元, 轮次) 组合一个 CSV 文件
	for _, name := range []string{"it_Integration_cellA_0.csv", "it_Integration_cellB_0.csv"} {
		if _, err := os.Stat(filepath.Join(app.dataDir, name)); err != nil {
			t.Errorf("期望的数据文件缺失: %s", name)
		}
	}

	// 指标端点暴露数据行计数
	resp, err := http.Get(app.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("查询指标失败: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "experiment_rows_recorded_total") {
		t.Error("指标端点应当暴露数据行计数")
	}
}

func TestPauseResumeThroughHTTP(t *testing.T) {
	// 均值采样把每次测量拉长到几十毫秒，给暂停请求留出命中检查点的窗口
	app := setupTestApp(t, func(cfg *config.Config) {
		cfg.SamplingMode = "mean"
		cfg.SampleCount = 5
		cfg.SampleIntervalMs = 20
	})
	if err := app.sup.Start(app.exp); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	t.Cleanup(func() { app.sup.Stop(5 * time.Second) })

	resp := postControl(t, app, "pause")
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("暂停请求被拒绝: %d", resp.StatusCode)
	}

	waitForState(t, app, func(s web.ExperimentState) bool {
		return s.State == types.StatePause
	})

	resp = postControl(t, app, "resume")
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("恢复请求被拒绝: %d", resp.StatusCode)
	}

	if err := app.sup.Join(10 * time.Second); err != nil {
		t.Fatalf("恢复后运行未结束: %v", err)
	}
	state := waitForState(t, app, func(s web.ExperimentState) bool {
		return s.State == types.StateEnd && s.RowsDone == 6
	})
	if state.RowsDone != 6 {
		t.Errorf("暂停恢复后数据行数错误: 得到 %d, 期望 6", state.RowsDone)
	}
}

func TestControlRejectsUnknownAction(t *testing.T) {
	app := setupTestApp(t, nil)
	resp := postControl(t, app, "explode")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("未知动作应当返回 400, 得到 %d", resp.StatusCode)
	}
}

func TestStartRejectsActiveRun(t *testing.T) {
	app := setupTestApp(t, func(cfg *config.Config) {
		cfg.SamplingMode = "mean"
		cfg.SampleCount = 5
		cfg.SampleIntervalMs = 20
	})
	resp := postControl(t, app, "start")
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("启动请求被拒绝: %d", resp.StatusCode)
	}
	t.Cleanup(func() { app.sup.Stop(5 * time.Second) })

	// 活动运行存在时第二次启动返回冲突
	resp = postControl(t, app, "start")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("并发启动应当返回 409, 得到 %d", resp.StatusCode)
	}
}
