// Command cylc-scheduler is the scheduler daemon entrypoint (spec §6):
// load a settings document, compile it into the static workflow model,
// wire the runtime components, and drive the main loop until a stop
// condition is reached.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/cylcgo/scheduler/internal/broadcast"
	"github.com/cylcgo/scheduler/internal/config"
	"github.com/cylcgo/scheduler/internal/corelib/logging"
	"github.com/cylcgo/scheduler/internal/corelib/msgbus"
	"github.com/cylcgo/scheduler/internal/corelib/otelinit"
	"github.com/cylcgo/scheduler/internal/corelib/resilience"
	"github.com/cylcgo/scheduler/internal/cycletime"
	"github.com/cylcgo/scheduler/internal/engine"
	"github.com/cylcgo/scheduler/internal/jobrunner"
	"github.com/cylcgo/scheduler/internal/pool"
	"github.com/cylcgo/scheduler/internal/store"
	"github.com/cylcgo/scheduler/internal/subproc"
	"github.com/cylcgo/scheduler/internal/xtrigger"
)

// exit codes, spec §6.
const (
	exitClean       = 0
	exitConfigError = 1
	exitStallAbort  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the workflow settings document (YAML)")
	runDir := flag.String("run-dir", ".", "run directory for the contact file and persistent store")
	httpAddr := flag.String("listen", ":8080", "address for the health/metrics/summary server")
	abortOnStall := flag.Bool("abort-on-stall", false, "exit with a nonzero status if the workflow stalls")
	natsURL := flag.String("nats-url", os.Getenv("NATS_URL"), "NATS server URL jobs publish task messages to; empty disables remote task messaging")
	flag.Parse()

	workflowName := strings.TrimSuffix(filepath.Base(*configPath), filepath.Ext(*configPath))

	service := "cylc-scheduler"
	log := logging.Init(service)

	if *configPath == "" {
		log.Error("missing required -config flag")
		return exitConfigError
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)
	defer func() {
		ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer c2()
		otelinit.Flush(ctxSd, shutdownTrace)
		_ = shutdownMetrics(ctxSd)
	}()

	doc, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "error", err)
		return exitConfigError
	}
	compiled, err := config.Compile(doc)
	if err != nil {
		log.Error("compile config", "error", err)
		return exitConfigError
	}

	var runahead cycletime.Interval
	if doc.Scheduling.RunaheadLimit != "" {
		if compiled.Kind == cycletime.KindInteger {
			runahead, err = cycletime.ParseIntInterval(doc.Scheduling.RunaheadLimit)
		} else {
			runahead, err = cycletime.ParseISOInterval(doc.Scheduling.RunaheadLimit)
		}
		if err != nil {
			log.Error("parse runahead limit", "error", err)
			return exitConfigError
		}
	}

	bstore := broadcast.NewStore()

	stopCfg := pool.StopConfig{FinalPoint: compiled.Final}
	if doc.Cylc.StopAfterTask != "" {
		stopCfg.StopAfterTaskID = doc.Cylc.StopAfterTask
	}
	taskPool := pool.New(compiled.Reg, compiled.Graph, bstore, compiled.Initial, compiled.Final, runahead, stopCfg)

	for _, def := range compiled.Reg.All() {
		for _, seq := range def.Sequences {
			if seq.OnSequence(compiled.Initial) {
				if _, err := taskPool.Materialise(def.Name, compiled.Initial); err != nil {
					log.Error("materialise root task", "task", def.Name, "error", err)
					return exitConfigError
				}
				break
			}
		}
	}
	taskPool.RecomputeMinActive()

	limiter := resilience.NewHybridRateLimiter(8, 2.0, 32, 50*time.Millisecond)
	xtrigMgr := xtrigger.NewManager(limiter)

	subprocPool := subproc.NewPool(16)
	defer subprocPool.Close(5 * time.Second)

	jobRunners := jobrunner.NewRegistry()

	storePath := filepath.Join(*runDir, "scheduler.db")
	meter := otel.GetMeterProvider().Meter(service)
	st, err := store.Open(storePath, meter)
	if err != nil {
		log.Error("open store", "path", storePath, "error", err)
		return exitConfigError
	}
	defer st.Close()

	runMode := doc.Cylc.RunMode
	if runMode == "" {
		runMode = "live"
	}

	eng := engine.New(engine.Config{
		Registry:       compiled.Reg,
		Pool:           taskPool,
		Broadcast:      bstore,
		XTriggers:      xtrigMgr,
		Subproc:        subprocPool,
		JobRunners:     jobRunners,
		Store:          st,
		PointKind:      compiled.Kind,
		RunMode:        runMode,
		TickInterval:   time.Second,
		Meter:          meter,
		Tracer:         otel.GetTracerProvider().Tracer(service),
		PersistRetries: 5,
		PersistBackoff: 500 * time.Millisecond,
	})

	if *natsURL != "" {
		nc, err := nats.Connect(*natsURL)
		if err != nil {
			log.Warn("nats connect failed, remote task messaging disabled", "url", *natsURL, "error", err)
		} else {
			defer nc.Close()
			subject := fmt.Sprintf("cylc.%s.*.*.*", workflowName)
			sub, err := msgbus.Subscribe(nc, subject, func(_ context.Context, m *nats.Msg) {
				tm, err := decodeTaskMessage(workflowName, m)
				if err != nil {
					log.Warn("malformed task message", "subject", m.Subject, "error", err)
					return
				}
				eng.EnqueueTaskMessage(tm)
			})
			if err != nil {
				log.Warn("nats subscribe failed", "subject", subject, "error", err)
			} else {
				defer sub.Unsubscribe()
			}
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/summary", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(eng.Summary())
	})
	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	srv := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()

	contactPath, err := writeContactFile(*runDir, *httpAddr)
	if err != nil {
		log.Warn("write contact file", "error", err)
	} else {
		defer os.Remove(contactPath)
	}

	log.Info("scheduler started", "config", *configPath, "run_mode", runMode)
	reason := eng.Run(ctx)
	log.Info("scheduler stopped", "reason", reason)

	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)

	switch reason {
	case pool.StopFinalPoint, pool.StopCommand, pool.StopAfterTask, pool.StopAtClockTime, pool.StopAutoShutdown:
		return exitClean
	case "persistence-failure":
		return exitConfigError
	default:
		if *abortOnStall {
			return exitStallAbort
		}
		return exitClean
	}
}

// writeContactFile publishes the scheduler's host/port/PID/UUID so clients
// can discover a running instance without guessing its address (spec §6).
func writeContactFile(runDir, addr string) (string, error) {
	dir := filepath.Join(runDir, ".service")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	contact := struct {
		Host   string `json:"host"`
		Port   string `json:"port"`
		PID    int    `json:"pid"`
		UUID   string `json:"uuid"`
		APIVer int    `json:"api_version"`
	}{
		Host:   hostname(),
		Port:   addr,
		PID:    os.Getpid(),
		UUID:   uuid.NewString(),
		APIVer: 1,
	}
	path := filepath.Join(dir, "contact")
	data, err := json.MarshalIndent(contact, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// decodeTaskMessage turns a msgbus subject ("cylc.<workflow>.<task>.<point>.
// <submit_num>") and its JSON body ({"message": ..., "severity": ...}) into
// a TaskMessage for the engine's inbound queue (spec §6).
func decodeTaskMessage(workflow string, m *nats.Msg) (engine.TaskMessage, error) {
	parts := strings.Split(m.Subject, ".")
	if len(parts) != 5 || parts[0] != "cylc" || parts[1] != workflow {
		return engine.TaskMessage{}, fmt.Errorf("unexpected subject %q", m.Subject)
	}
	submitNum, err := strconv.Atoi(parts[4])
	if err != nil {
		return engine.TaskMessage{}, fmt.Errorf("bad submit number in subject %q: %w", m.Subject, err)
	}
	var body struct {
		Message  string `json:"message"`
		Severity string `json:"severity"`
	}
	if err := json.Unmarshal(m.Data, &body); err != nil {
		return engine.TaskMessage{}, fmt.Errorf("decode body: %w", err)
	}
	return engine.TaskMessage{
		TaskName:   parts[2],
		CyclePoint: parts[3],
		SubmitNum:  submitNum,
		Message:    body.Message,
		Severity:   body.Severity,
	}, nil
}
