package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skalibog/btcsignals/pkg/logger"
	"go.uber.org/zap"
)

var (
	MessagesFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "messages_fetched_total", Help: "Raw messages stored from sources"},
		[]string{"source"},
	)
	MessagesParsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "messages_parsed_total", Help: "Parse outcomes per source"},
		[]string{"source", "result"},
	)
	RateLimitWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "rate_limit_waits_total", Help: "Rate limit backoffs requested by sources"},
		[]string{"source"},
	)
	PricePoints = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "price_points_total", Help: "New minute prices added to the index"},
		[]string{"origin"},
	)
	HorizonsFilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "context_horizons_filled_total", Help: "Context horizons set"},
		[]string{"horizon"},
	)
	HealthIssues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "health_issues_total", Help: "Problems found by the health check"},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(MessagesFetched, MessagesParsed, RateLimitWaits, PricePoints, HorizonsFilled, HealthIssues)
}

// Serve поднимает /metrics; пустой адрес - метрики не публикуются
func Serve(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Сервер метрик остановлен", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return srv
}
