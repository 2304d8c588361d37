package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/couchbase/dcp-replicator/config"
	"github.com/couchbase/dcp-replicator/conn"
	"github.com/couchbase/dcp-replicator/internal/logging"
	"github.com/couchbase/dcp-replicator/internal/memengine"
	"github.com/couchbase/dcp-replicator/metrics"
)

func commandStats() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "register a throwaway producer/consumer pair and print registry stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats()
		},
	}
}

func runStats() error {
	log := logging.New("dcpctl")
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	engine := memengine.NewEngine()

	connMap := conn.NewConnectionMap(reg, log)
	producer := conn.NewDcpProducer(conn.NewCookie(), "stats-producer", engine, config.Default(), reg, log)
	connMap.Register(producer)
	consumer := conn.NewDcpConsumer(conn.NewCookie(), "stats-consumer", nil, nil, config.Default(), reg, log)
	connMap.Register(consumer)

	stats := connMap.Snapshot()
	fmt.Printf("producers=%d consumers=%d dead=%d\n", stats.Producers, stats.Consumers, stats.Dead)

	connMap.Disconnect(consumer.Cookie())
	connMap.ManageConnections()
	stats = connMap.Snapshot()
	fmt.Printf("after disconnect: producers=%d consumers=%d dead=%d\n", stats.Producers, stats.Consumers, stats.Dead)
	return nil
}
