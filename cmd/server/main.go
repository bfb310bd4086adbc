package main

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"postbox/configs"
	"postbox/server"
)

var logger = logrus.New()

func main() {
	cfg, err := configs.Load()
	if err != nil {
		logger.Fatalf("Error loading config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	s := server.NewServer(
		context.Background(),
		server.NewRegistry(),
		server.NewRedisQueue(redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})),
		redis.NewClient(&redis.Options{Addr: cfg.RedisAddress}),
		logger,
		cfg.AuthSkew,
	)
	defer s.Close()

	r := mux.NewRouter()
	r.HandleFunc(configs.WebSocketPath, s.HandleConnections)
	r.HandleFunc(configs.KeysPath, s.HandlePostKeys).Methods(http.MethodPost)
	r.HandleFunc(configs.KeysPath, s.HandleGetKeys).Methods(http.MethodGet)

	logger.Infof("Relay running on ws://%s%s", cfg.ServerAddress, configs.WebSocketPath)
	if err := http.ListenAndServe(cfg.ServerAddress, r); err != nil {
		logger.Fatalf("Error starting server: %v", err)
	}
}
