package main

import (
	"flag"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"pigeon/internal/config"
	"pigeon/internal/crypto"
	"pigeon/internal/handlers"
	"pigeon/internal/metrics"
	"pigeon/internal/middleware"
	"pigeon/internal/store/sqlstore"
	"pigeon/internal/ws"
)

var addr = flag.String("addr", "", "listen address (overrides RELAY_ADDR)")

func main() {
	flag.Parse()
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := config.Load()
	if *addr != "" {
		cfg.Addr = *addr
	}

	key, err := crypto.LoadKey(cfg.EncryptionKey, cfg.KeyFile)
	if err != nil {
		logrus.WithError(err).Fatal("load encryption key")
	}
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		logrus.WithError(err).Fatal("init cipher")
	}

	store, err := sqlstore.New(cfg.DBDriver, cfg.DBDSN, cipher)
	if err != nil {
		logrus.WithError(err).Fatal("open database")
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	hub := ws.NewHub(collector)

	secret := []byte(cfg.CookieSecret)
	authHandler := &handlers.AuthHandler{Store: store, CookieSecret: secret}
	msgHandler := &handlers.MessageHandler{Store: store, Hub: hub, Collector: collector}
	requireAuth := middleware.AuthMiddleware(secret)

	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	// API Endpoints
	r.HandleFunc("/signup", authHandler.Signup).Methods("POST")
	r.HandleFunc("/login", authHandler.Login).Methods("POST")
	r.HandleFunc("/users", authHandler.Users).Methods("GET")
	r.HandleFunc("/send_message", msgHandler.SendMessage).Methods("POST")
	r.HandleFunc("/online_users", msgHandler.OnlineUsers).Methods("GET")
	r.Handle("/messages", requireAuth(http.HandlerFunc(msgHandler.GetMessages))).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// WebSocket Endpoint
	r.HandleFunc("/ws/{username}", func(w http.ResponseWriter, r *http.Request) {
		username := mux.Vars(r)["username"]
		if username == "" {
			http.Error(w, "username is required", http.StatusBadRequest)
			return
		}
		ws.ServeWs(hub, w, r, username)
	})

	logrus.WithField("addr", cfg.Addr).Info("starting relay server")
	logrus.Fatal(http.ListenAndServe(cfg.Addr, r))
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("request handled")
	})
}
