// Package metrics はPrometheusのメトリクスを定義します
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sharaein"

// アップロード結果のラベル
const (
	ResultStored   = "stored"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

var (
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_total",
		Help:      "Uploads by result.",
	}, []string{"result"})

	UploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_bytes_total",
		Help:      "Bytes of successfully recorded uploads.",
	})

	UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upload_store_seconds",
		Help:      "Time spent writing upload bytes to blob storage.",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	DeletionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "file_deletions_total",
		Help:      "Files deleted.",
	})

	EventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_delivered_total",
		Help:      "Room events enqueued to live connections, by event type.",
	}, []string{"type"})

	RoomsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rooms_created_total",
		Help:      "Rooms created.",
	})

	JoinAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "room_join_attempts_total",
		Help:      "Room join attempts by result.",
	}, []string{"result"})
)

// HubStats はライブ接続の状態を公開するためのインターフェース
type HubStats interface {
	Rooms() int
	Connections() int
	DroppedTotal() int64
}

// RegisterHub はハブの状態をゲージとして登録します
// すでに登録されている場合はエラーにしません
func RegisterHub(reg prometheus.Registerer, h HubStats) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_rooms",
			Help:      "Rooms with at least one live connection.",
		}, func() float64 { return float64(h.Rooms()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Connections joined to at least one room.",
		}, func() float64 { return float64(h.Connections()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_members_total",
			Help:      "Connections dropped because their send queue was full.",
		}, func() float64 { return float64(h.DroppedTotal()) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// Handler は /metrics 用のハンドラーを返します
func Handler() http.Handler {
	return promhttp.Handler()
}
