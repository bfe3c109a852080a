package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pencraft/pagesync/internal/api"
	"github.com/pencraft/pagesync/internal/gateway"
	"github.com/pencraft/pagesync/internal/pagestore"
	"github.com/pencraft/pagesync/internal/parseworker"
	"github.com/pencraft/pagesync/internal/realtime"
	"github.com/pencraft/pagesync/internal/reconciler"
	"github.com/pencraft/pagesync/internal/syncqueue"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("PAGESYNC_BASE_URL", "http://127.0.0.1:8080"), "metadata service base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("PAGESYNC_TOKEN")), "bearer token")
	cacheDir := flag.String("cache-dir", strings.TrimSpace(os.Getenv("PAGESYNC_CACHE_DIR")), "local page cache directory")
	queueDSN := flag.String("queue-dsn", strings.TrimSpace(os.Getenv("PAGESYNC_QUEUE_DSN")), "sync queue DSN (file://, memory://, postgres://)")
	brokerURL := flag.String("broker-url", strings.TrimSpace(os.Getenv("PAGESYNC_BROKER_URL")), "realtime broker websocket URL (optional)")
	projectID := flag.String("project", strings.TrimSpace(os.Getenv("PAGESYNC_PROJECT")), "project to hold a realtime session for (optional)")
	userID := flag.String("user", strings.TrimSpace(os.Getenv("PAGESYNC_USER")), "user ID for realtime events")
	interval := flag.Duration("interval", durationEnv("PAGESYNC_INTERVAL", 30*time.Second), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("PAGESYNC_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("PAGESYNC_TIMEOUT", 15*time.Second), "per-cycle timeout")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or PAGESYNC_TOKEN)")
	}
	if strings.TrimSpace(*cacheDir) == "" {
		log.Fatalf("cache-dir is required (--cache-dir or PAGESYNC_CACHE_DIR)")
	}
	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)
	if strings.TrimSpace(*queueDSN) == "" {
		// A bare path selects the file backend.
		*queueDSN = filepath.Join(*cacheDir, "sync-queue.json")
	}

	store, err := pagestore.NewStore(*cacheDir)
	if err != nil {
		log.Fatalf("failed to open page cache: %v", err)
	}
	queue, err := syncqueue.BuildQueueFromDSN(*queueDSN)
	if err != nil {
		log.Fatalf("failed to open sync queue: %v", err)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("closing sync queue: %v", err)
		}
	}()

	client := api.NewHTTPClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	worker := parseworker.NewWorker(parseworker.Options{Logger: log.Default()})
	gw, err := gateway.New(gateway.Options{
		Presigner: client,
		Parser:    worker,
		Logger:    log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize upload gateway: %v", err)
	}
	syncer, err := reconciler.New(reconciler.Options{
		Store:    store,
		Metadata: client,
		Uploader: gw,
		Queue:    queue,
		Logger:   log.Default(),
		Online:   onlineProbe(*baseURL),
	})
	if err != nil {
		log.Fatalf("failed to initialize sync reconciler: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := pagestore.NewWatcher(store, func(projectID string, pageNumber int) {
		entry := syncqueue.Entry{ProjectID: projectID, PageNumber: pageNumber}
		if err := queue.Add(entry); err != nil {
			log.Printf("failed to enqueue dirty page %s: %v", entry, err)
		}
	}, log.Default())
	if err != nil {
		log.Fatalf("failed to initialize cache watcher: %v", err)
	}
	go func() {
		if err := watcher.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			log.Printf("cache watcher stopped: %v", err)
		}
	}()

	if strings.TrimSpace(*brokerURL) != "" && strings.TrimSpace(*projectID) != "" {
		channel, err := realtime.New(realtime.Options{
			URL:    *brokerURL,
			Token:  *token,
			Logger: log.Default(),
		})
		if err != nil {
			log.Fatalf("failed to initialize realtime channel: %v", err)
		}
		defer channel.Disconnect()
		err = channel.Connect(rootCtx, *projectID, *userID, func(event realtime.Event) {
			log.Printf("realtime %s event from %s in %s", event.Type, event.UserID, event.ProjectID)
		})
		if err != nil {
			log.Printf("realtime connect failed, continuing without a live session: %v", err)
		}
	}

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := syncer.SyncOnce(ctx); err != nil {
			log.Printf("sync cycle failed: %v", err)
			return
		}
		log.Printf("sync cycle completed, %d entries pending", queue.Depth())
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("pagesync stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

// onlineProbe reports connectivity by dialing the metadata host. The sync
// reconciler stays idle while the probe fails, so queued entries survive
// offline periods untouched.
func onlineProbe(baseURL string) func() bool {
	return func() bool {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Host == "" {
			return false
		}
		host := parsed.Host
		if parsed.Port() == "" {
			if parsed.Scheme == "https" {
				host = net.JoinHostPort(parsed.Hostname(), "443")
			} else {
				host = net.JoinHostPort(parsed.Hostname(), "80")
			}
		}
		conn, err := net.DialTimeout("tcp", host, 2*time.Second)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
