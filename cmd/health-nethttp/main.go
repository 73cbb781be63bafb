package main

import (
	"flag"
	"fmt"
	"net/http"
	"time"

	"patchcast/pkg/httpx"
)

// net/http counterpart of cmd/health-fasthttp, serving the same
// handler through the httpx adapter so the two are comparable.
func main() {
	addr := flag.String("addr", ":8082", "listen address for net/http health probe")
	ver := flag.String("version", "dev", "version string to return")
	flag.Parse()

	h := func(w httpx.ResponseWriter, r *httpx.Request) {
		switch r.Path {
		case "/health", "/healthz":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("{\"status\":\"ok\",\"version\":\"" + *ver + "\"}"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}

	srv := &http.Server{
		Addr:         *addr,
		Handler:      httpx.NetHTTPAdapter(h),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	fmt.Printf("net/http health probe listening on %s\n", *addr)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Printf("net/http server exit: %v\n", err)
	}
}
