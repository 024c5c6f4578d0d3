// Command appcached runs the caching layer as a local proxy in front
// of a single-page app origin: it installs the app shell into the
// current generation, garbage-collects stale generations, then serves
// every request through the fetch-routing transport so the app keeps
// working when the origin is unreachable.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/caarlos0/env/v11"
	_ "github.com/lib/pq"
	"gopkg.in/yaml.v3"

	appcache "github.com/pdenning/go-appcache"
	"github.com/pdenning/go-appcache/stores/disk"
	"github.com/pdenning/go-appcache/stores/dynamodb"
	"github.com/pdenning/go-appcache/stores/memory"
	"github.com/pdenning/go-appcache/stores/postgres"
)

// commandPath is the local command channel endpoint: POST a JSON
// Command, get the JSON reply. Requests under this prefix never reach
// the origin.
const commandPath = "/_appcache/command"

type serverConfig struct {
	Listen string `yaml:"listen" env:"APPCACHE_LISTEN"`

	Store struct {
		Backend string `yaml:"backend" env:"APPCACHE_STORE_BACKEND"` // memory | disk | postgres | dynamodb
		Path    string `yaml:"path" env:"APPCACHE_STORE_PATH"`
		DSN     string `yaml:"dsn" env:"APPCACHE_STORE_DSN"`
		Table   string `yaml:"table" env:"APPCACHE_STORE_TABLE"`
	} `yaml:"store"`

	// Version overrides app.staticVersion, so a deployment can bump
	// the generation without rewriting the config file.
	Version string `env:"APPCACHE_VERSION"`

	App appcache.Config `yaml:"app"`
}

func loadServerConfig(path string) (serverConfig, error) {
	cfg := serverConfig{App: appcache.DefaultConfig()}
	cfg.Listen = ":8090"
	cfg.Store.Backend = "memory"
	cfg.Store.Path = "./data/appcache"

	b, err := os.ReadFile(path)
	if err != nil {
		return serverConfig{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return serverConfig{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return serverConfig{}, err
	}
	if cfg.Version != "" {
		cfg.App.StaticVersion = cfg.Version
	}
	if err := cfg.App.Validate(); err != nil {
		return serverConfig{}, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg serverConfig) (appcache.Store, func(), error) {
	switch cfg.Store.Backend {
	case "memory":
		return memory.New(), func() {}, nil
	case "disk":
		s, err := disk.Open(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		s, err := postgres.New(ctx, db, &postgres.Config{DeleteExpiredRows: true})
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return s, func() { db.Close() }, nil
	case "dynamodb":
		awscfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, err
		}
		s, err := dynamodb.New(awsdynamodb.NewFromConfig(awscfg), &dynamodb.Config{Table: cfg.Store.Table})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func handler(client *http.Client, origin string, worker *appcache.Worker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(commandPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var cmd appcache.Command
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reply, err := worker.HandleCommand(r.Context(), cmd)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if reply == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reply)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		out, err := http.NewRequestWithContext(r.Context(), r.Method, origin+r.URL.RequestURI(), r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		out.Header = r.Header.Clone()

		resp, err := client.Do(out)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		for k, vv := range resp.Header {
			for _, v := range vv {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	})
	return mux
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("APPCACHE_CONFIG", "appcache.yaml"), "path to appcache.yaml")
	flag.Parse()

	cfg, err := loadServerConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	mgr := appcache.NewManager(store, cfg.App, nil, nil, logger)
	worker := appcache.NewWorker(mgr, cfg.App, logger)

	if err := worker.Dispatch(ctx, appcache.EventInstall); err != nil {
		// A failed install is fatal to this attempt only. Keep serving
		// with whatever generations already exist on disk and let the
		// next start retry.
		logger.Error("install failed, serving without activation", "error", err)
	} else if err := worker.Dispatch(ctx, appcache.EventActivate); err != nil {
		logger.Error("activate failed", "error", err)
	}

	transport := appcache.New(store, &cfg.App, nil, logger)(http.DefaultTransport)
	client := &http.Client{Transport: transport, Timeout: 30 * time.Second}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler(client, strings.TrimRight(cfg.App.Origin, "/"), worker),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("appcached listening on %s, origin=%s, mode=%s", cfg.Listen, cfg.App.Origin, cfg.App.Policy)
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
