// Command echo-upstream is a stand-in backend for local smoke tests of the
// proxied service routes. It echoes what the gateway forwarded.
package main

import (
	"encoding/json"
	"flag"
	"net/http"

	"go.uber.org/zap"
)

func main() {
	addr := flag.String("addr", ":9001", "listen address")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		logger.Info("received request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", r.Header.Get("X-Request-ID")),
		)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"message":        "hello from echo upstream",
			"path":           r.URL.Path,
			"forwarded_for":  r.Header.Get("X-Forwarded-For"),
			"forwarded_host": r.Header.Get("X-Forwarded-Host"),
			"request_id":     r.Header.Get("X-Request-ID"),
		})
	})

	logger.Info("echo upstream starting", zap.String("addr", *addr))
	if err := http.ListenAndServe(*addr, nil); err != nil {
		logger.Fatal("echo upstream stopped", zap.Error(err))
	}
}
