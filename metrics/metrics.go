package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RecordsTotal считает записи потока по виду.
	RecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lyricbot",
		Subsystem: "router",
		Name:      "records_total",
		Help:      "Records consumed from the stream by kind",
	}, []string{"kind"})

	// MentionsIgnored считает упоминания без ответа по причине.
	MentionsIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lyricbot",
		Subsystem: "router",
		Name:      "mentions_ignored_total",
		Help:      "Mentions that produced no reply by reason",
	}, []string{"reason"})

	// RepliesPosted считает успешно отправленные ответы.
	RepliesPosted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lyricbot",
		Subsystem: "router",
		Name:      "replies_posted_total",
		Help:      "Replies handed to the poster successfully",
	})

	// PostErrors считает ошибки отправки ответа.
	PostErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lyricbot",
		Subsystem: "router",
		Name:      "post_errors_total",
		Help:      "Failed reply posts",
	})

	// Reconnects считает переподключения после разрыва потока.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lyricbot",
		Subsystem: "router",
		Name:      "reconnects_total",
		Help:      "Stream re-acquisitions after a hangup",
	})
)

// Serve отдаёт /metrics на addr до отмены контекста.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
