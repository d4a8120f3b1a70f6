package server

import (
	"context"

	"go.opencensus.io/exporter/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

type Stats struct {
	prometheusExporter *prometheus.Exporter
	mSocketConnection  *stats.Int64Measure
	mRequest           *stats.Int64Measure
	mMatchStarted      *stats.Int64Measure
}

func NewStatsHolder(logger *Logger) *Stats {

	mSocketConnection := stats.Int64("rpsbroker/socket_connection", "Socket Connection Count", "By")
	vSocketConnectionSum := &view.View{
		Name:        "rpsbroker/socket_connection_sum",
		Measure:     mSocketConnection,
		Description: "The number of open socket connections",
		Aggregation: view.Sum(),
	}

	mRequest := stats.Int64("rpsbroker/requests", "Request Count", "By")
	vRequestSum := &view.View{
		Name:        "rpsbroker/requests_sum",
		Measure:     mRequest,
		Description: "The number of total requests",
		Aggregation: view.Sum(),
	}

	mMatchStarted := stats.Int64("rpsbroker/matches_started", "Match Started Count", "By")
	vMatchStartedSum := &view.View{
		Name:        "rpsbroker/matches_started_sum",
		Measure:     mMatchStarted,
		Description: "The number of matches started",
		Aggregation: view.Sum(),
	}

	if err := view.Register(vSocketConnectionSum, vRequestSum, vMatchStartedSum); err != nil {
		logger.Fatalw("Error while registering stat views", "error", err)
	}

	pe, err := prometheus.NewExporter(prometheus.Options{
		Namespace: "rpsbroker",
	})
	if err != nil {
		logger.Fatalw("Error while creating new prometheus exporter", "error", err)
	}

	view.RegisterExporter(pe)

	return &Stats{
		prometheusExporter: pe,
		mSocketConnection:  mSocketConnection,
		mRequest:           mRequest,
		mMatchStarted:      mMatchStarted,
	}

}

func (s Stats) IncrRequest() {
	ctx, _ := tag.New(context.Background())
	stats.Record(ctx, s.mRequest.M(1))
}

func (s Stats) IncrSocketConnection() {
	ctx, _ := tag.New(context.Background())
	stats.Record(ctx, s.mSocketConnection.M(1))
}

func (s Stats) DecrSocketConnection() {
	ctx, _ := tag.New(context.Background())
	stats.Record(ctx, s.mSocketConnection.M(-1))
}

func (s Stats) IncrMatchStarted() {
	ctx, _ := tag.New(context.Background())
	stats.Record(ctx, s.mMatchStarted.M(1))
}
