// Command collector is HoneyGrid's server process: it accepts mTLS agent
// connections (C5), ingests and persists their events (C4/C6), sweeps
// agent liveness (C7), fans out to notifier sinks (C8), and serves an
// operator-facing HTTP surface (health, metrics, stats, WebSocket feed).
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/honeygrid/honeygrid/internal/certutil"
	"github.com/honeygrid/honeygrid/internal/config"
	"github.com/honeygrid/honeygrid/internal/ingest"
	"github.com/honeygrid/honeygrid/internal/liveness"
	"github.com/honeygrid/honeygrid/internal/noncecache"
	"github.com/honeygrid/honeygrid/internal/notify"
	"github.com/honeygrid/honeygrid/internal/session"
	"github.com/honeygrid/honeygrid/internal/store"
	"github.com/honeygrid/honeygrid/internal/telemetry"
	"github.com/honeygrid/honeygrid/internal/uiqueue"
)

func main() {
	cfg := config.Get()
	telemetry.SetupLogging(cfg.Logging.Level)

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	st, err := store.Open(cfg.Server.Database.Path, cfg.Server.Database.Password)
	if err != nil {
		log.Fatalf("collector: open store: %v", err)
	}
	defer st.Close()

	nonces := noncecache.New(cfg.Server.Security.MaxNonceCache)

	gates := buildNotifierGates(cfg)

	hub := uiqueue.NewHub()
	var redisPublisher uiqueue.RedisPublisher
	if cfg.UIQueue.Redis.Enabled {
		rp, err := newRedisPublisher(cfg.UIQueue.Redis.Addr)
		if err != nil {
			slog.Warn("redis publisher unavailable, UI fan-out stays single-instance", "error", err)
		} else {
			redisPublisher = rp
		}
	}
	uiQueue := uiqueue.NewQueue(cfg.UIQueue.Capacity, hub, redisPublisher, cfg.UIQueue.Redis.Channel)

	pipeline := ingest.NewPipeline(st, nonces, gates, uiQueue, metrics)

	tlsCfg, err := certutil.ServerTLSConfig(cfg.Server.CACert, cfg.Server.ServerCert, cfg.Server.ServerKey)
	if err != nil {
		log.Fatalf("collector: build TLS config: %v", err)
	}
	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	listener, err := session.NewListener(addr, tlsCfg, pipeline, time.Duration(cfg.Server.Security.TimestampTolerance)*time.Second)
	if err != nil {
		log.Fatalf("collector: listen on %s: %v", addr, err)
	}

	livenessMon := liveness.NewMonitor(st, time.Duration(cfg.Server.LivenessPeriod)*time.Second, time.Duration(cfg.Server.AgentTimeout)*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go listener.Serve(ctx)
	go livenessMon.Run(ctx)
	go uiQueue.Run(ctx)
	for _, g := range gates {
		go g.RunPeriodicFlush(ctx)
	}

	httpServer := buildHTTPServer(cfg, st, hub)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		slog.Info("collector: shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownGrace)*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("collector: HTTP shutdown error", "error", err)
		}
	}()

	slog.Info("collector: agent listener up", "addr", listener.Addr().String())
	slog.Info("collector: HTTP surface up", "addr", httpServer.Addr)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("collector: HTTP server failed: %v", err)
	}

	slog.Info("collector: stopped")
}

func buildNotifierGates(cfg *config.Config) []*notify.NotifierGate {
	if !cfg.Notifications.Enabled {
		return nil
	}
	gateCfg := notify.GateConfig{
		Enabled:              true,
		MinSeverity:          notify.ParseSeverity(cfg.Notifications.MinSeverity),
		RateLimitSeconds:     cfg.Notifications.RateLimitSeconds,
		BatchMode:            cfg.Notifications.BatchMode,
		BatchIntervalSeconds: cfg.Notifications.BatchIntervalSeconds,
	}

	var gates []*notify.NotifierGate

	if cfg.Notifications.Email.Enabled {
		sink := notify.NewEmailSink(
			cfg.Notifications.Email.SMTPHost,
			cfg.Notifications.Email.SMTPPort,
			cfg.Notifications.Email.SMTPUsername,
			cfg.Notifications.Email.SMTPPassword,
			cfg.Notifications.Email.FromAddress,
			cfg.Notifications.Email.ToAddresses,
			cfg.Notifications.Email.UseTLS,
		)
		gates = append(gates, notify.NewGate(sink, gateCfg))
	}

	if cfg.Notifications.Discord.Enabled {
		sink := notify.NewWebhookSink(
			cfg.Notifications.Discord.WebhookURL,
			cfg.Notifications.Discord.Username,
			cfg.Notifications.Discord.AvatarURL,
			cfg.Notifications.Discord.HMACSecret,
		)
		gates = append(gates, notify.NewGate(sink, gateCfg))
	}

	if cfg.Notifications.PubSub.Enabled {
		sink, err := notify.NewPubSubSink(context.Background(), cfg.Notifications.PubSub.ProjectID, cfg.Notifications.PubSub.TopicID)
		if err != nil {
			slog.Warn("pubsub sink unavailable, skipping", "error", err)
		} else {
			gates = append(gates, notify.NewGate(sink, gateCfg))
		}
	}

	return gates
}

func buildHTTPServer(cfg *config.Config, st *store.Store, hub *uiqueue.Hub) *http.Server {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		stats, err := st.GetStats(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}).Methods("GET")

	router.HandleFunc("/agents", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		agents, err := st.GetAllAgents(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(agents)
	}).Methods("GET")

	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleWebSocketUpgrade(w, r, hub)
	}).Methods("GET")

	httpAddr := cfg.Server.HTTPAddr
	if httpAddr == "" {
		httpAddr = cfg.Server.Host + ":8080"
	}
	return &http.Server{
		Addr:         httpAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocketUpgrade upgrades an operator dashboard connection and
// registers it with the UI fan-out hub (spec §4.6 step 5b).
func handleWebSocketUpgrade(w http.ResponseWriter, r *http.Request, hub *uiqueue.Hub) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("collector: websocket upgrade failed", "error", err)
		return
	}
	hub.Register(conn)
}
