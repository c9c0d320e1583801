package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"egfet-controls/internal/config"
	"egfet-controls/internal/connection"
	"egfet-controls/internal/device"
	"egfet-controls/internal/event"
	"egfet-controls/internal/experiment"
	"egfet-controls/internal/handlers"
	"egfet-controls/internal/persistence"
	"egfet-controls/internal/sampling"
	"egfet-controls/internal/web"
)

// main 是应用程序的主入口
func main() {
	configPath := flag.String("config", ".", "配置文件 config.yaml 所在目录")
	listenAddr := flag.String("listen", ":8080", "API 服务器监听地址")
	flag.Parse()

	// 1. 初始化核心组件
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataRoot, 0755); err != nil {
		logger.Error("创建数据目录失败", "path", cfg.DataRoot, "error", err)
		os.Exit(1)
	}

	hub := web.NewHub()
	go hub.Run()
	tracker := web.NewExperimentTracker(hub)

	queue := event.NewQueue()
	bus := event.NewBus()

	// 2. 构造设备和策略
	// 演示环境使用仿真设备，接真实仪器时替换为对应驱动即可
	vds := device.NewMockSourceMeter("vds", logger)
	vgs := device.NewMockSourceMeter("vgs", logger)
	mux := device.NewMockMultiplexer("mux", cfg.MuxTopology, logger)
	logger.Info("设备就绪", "vds", vds.DeviceInfo(), "vgs", vgs.DeviceInfo(), "topology", mux.Topology())

	conn, err := connection.ForTopology(cfg, mux)
	if err != nil {
		logger.Error("构造连接策略失败", "error", err)
		os.Exit(1)
	}
	sampler, err := sampling.ForMode(cfg)
	if err != nil {
		logger.Error("构造采样策略失败", "error", err)
		os.Exit(1)
	}

	// 3. 构造实验和监督器
	// 每次运行使用全新的实验实例，扫描索引和状态机不跨运行复用
	ctrl := experiment.NewControls()
	newExperiment := func() (*experiment.Experiment, error) {
		return experiment.New(cfg, vds, vgs, mux, conn, sampler, queue, ctrl, logger)
	}
	exp, err := newExperiment()
	if err != nil {
		logger.Error("构造实验失败", "error", err)
		os.Exit(1)
	}
	sup := experiment.NewSupervisor(queue, ctrl, logger)

	// 4. 注册事件处理器并启动排水协程
	recorder := persistence.NewCSVRecorder(cfg, exp.Cells(), logger)
	handlers.RegisterEventHandlers(bus, tracker, recorder, exp.Cells(), logger)
	go event.Pump(queue, bus)

	logger.Info("=== EGFET 特性扫描系统启动 ===", "experiment", cfg.ExperimentName)

	if err := sup.Start(exp); err != nil {
		logger.Error("启动实验失败", "error", err)
		os.Exit(1)
	}

	go startAPIServer(*listenAddr, sup, newExperiment, hub, tracker, logger)

	// 5. 优雅停机
	waitForShutdown(sup, tracker, queue, logger)
}

// startAPIServer 启动 API 和指标服务器
func startAPIServer(addr string, sup *experiment.Supervisor, newExperiment func() (*experiment.Experiment, error), hub *web.Hub, st *web.ExperimentTracker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", hub.ServeWs(st))
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st.Snapshot())
	})
	mux.HandleFunc("/api/control", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Action string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req.Action {
		case "start":
			exp, err := newExperiment()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if err := sup.Start(exp); err != nil {
				// 已有活动运行时拒绝而不是排队
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
		case "pause":
			sup.Pause()
		case "resume":
			sup.Resume()
		case "stop":
			if err := sup.Stop(30 * time.Second); err != nil {
				http.Error(w, err.Error(), http.StatusGatewayTimeout)
				return
			}
		default:
			http.Error(w, "unknown action: "+req.Action, http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "action": req.Action})
	})

	logger.Info("API 服务器启动", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("API 服务器启动失败", "error", err)
	}
}

// waitForShutdown 阻塞到停机信号，期间跟踪各次运行的退出状态
// 运行结束后进程继续存活，API 仍可触发新的运行
func waitForShutdown(sup *experiment.Supervisor, st *web.ExperimentTracker, queue *event.Queue, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		alive := true
		for {
			now := sup.IsAlive()
			if alive && !now {
				if result := sup.ExitStatus(); result != nil {
					st.SetExitStatus(result.Status)
					logger.Info("实验运行结束", "status", result.Status, "error", result.Err)
				}
			}
			alive = now
			time.Sleep(100 * time.Millisecond)
		}
	}()

	<-sigChan
	logger.Info("接收到停机信号，正在优雅关闭...")
	if sup.IsAlive() {
		if err := sup.Stop(30 * time.Second); err != nil {
			logger.Warn("等待实验退出超时，强制终止", "error", err)
			sup.Kill()
		}
	}
	// 关闭队列让排水协程排空剩余事件后退出
	queue.Close()
	time.Sleep(200 * time.Millisecond)
	logger.Info("扫描系统已安全退出")
}
