package main

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/punchamoorthee/splitops/internal/api"
	"github.com/punchamoorthee/splitops/internal/config"
	"github.com/punchamoorthee/splitops/internal/logger"
	"github.com/punchamoorthee/splitops/internal/service"
	"github.com/punchamoorthee/splitops/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	zl := logger.New(cfg.Env)
	defer zl.Sync()

	if cfg.MigrationsDir != "" {
		if err := store.Migrate(cfg.DBSource, cfg.MigrationsDir); err != nil {
			zl.Fatal("migrations failed", zap.Error(err))
		}
	}

	st, err := store.NewStore(context.Background(), cfg.DBSource)
	if err != nil {
		zl.Fatal("unable to connect to database", zap.Error(err))
	}
	defer st.Close()

	engine := service.NewEngine(st, st.Friendships(), st.Categories(), zl)
	handler := api.NewHandler(engine, zl)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(api.WithIdentity)
	apiV1.HandleFunc("/splits/create", handler.CreateSplitHandler).Methods("POST")
	apiV1.HandleFunc("/splits/{id}/retry", handler.RetrySplitHandler).Methods("POST")
	apiV1.HandleFunc("/splits/{id}", handler.GetSplitHandler).Methods("GET")
	apiV1.HandleFunc("/records", handler.ListRecordsHandler).Methods("GET")
	apiV1.HandleFunc("/records/finalize-pending", handler.FinalizePendingHandler).Methods("POST")
	apiV1.HandleFunc("/records/{id}/settle", handler.SettleHandler).Methods("PUT")

	r.Use(api.WithLogging(zl))

	zl.Info("server starting", zap.String("port", cfg.Port))
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		zl.Fatal("server stopped", zap.Error(err))
	}
}
