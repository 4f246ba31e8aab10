package internal

import (
	"fmt"
	"net/http"

	"github.com/danthegoodman1/EventHerd/gologger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/context"
)

var (
	httpServer *http.Server
	logger     = gologger.NewLogger()
)

func StartServer(port string) error {
	logger.Debug().Msgf("Starting internal http server on port %s", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: mux,
	}
	go httpServer.ListenAndServe()
	return nil
}

func Shutdown(ctx context.Context) error {
	if httpServer != nil {
		logger.Debug().Msg("Shutting down internal server")
		return httpServer.Shutdown(ctx)
	}
	return nil
}
