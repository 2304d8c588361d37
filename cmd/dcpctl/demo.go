package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/couchbase/dcp-replicator/checkpoint"
	"github.com/couchbase/dcp-replicator/config"
	"github.com/couchbase/dcp-replicator/conn"
	"github.com/couchbase/dcp-replicator/internal/logging"
	"github.com/couchbase/dcp-replicator/internal/memengine"
	"github.com/couchbase/dcp-replicator/metrics"
	"github.com/couchbase/dcp-replicator/model"
	"github.com/couchbase/dcp-replicator/stream"
)

func commandDemo() *cobra.Command {
	var vbucket uint16
	var itemCount int

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "run an in-process producer/consumer pair over a synthetic vBucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(vbucket, itemCount)
		},
	}
	cmd.Flags().Uint16Var(&vbucket, "vbucket", 0, "vBucket id to replicate")
	cmd.Flags().IntVar(&itemCount, "items", 10, "number of synthetic mutations to seed")
	return cmd
}

func runDemo(vbucket uint16, itemCount int) error {
	log := logging.New("dcpctl")
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	cfg := config.Default()

	engine := memengine.NewEngine()
	engine.SeedFailover(vbucket, 0xFEED, 0)

	items := make([]model.Item, 0, itemCount)
	for i := 1; i <= itemCount; i++ {
		items = append(items, model.Item{
			Kind:     model.ItemMutation,
			Key:      []byte(fmt.Sprintf("key-%d", i)),
			Value:    []byte(fmt.Sprintf("value-%d", i)),
			BySeqno:  uint64(i),
			RevSeqno: 1,
			VBucket:  vbucket,
		})
	}
	engine.AppendInMemory(vbucket, items...)

	connMap := conn.NewConnectionMap(reg, log)

	producer := conn.NewDcpProducer(conn.NewCookie(), "dcpctl-producer", engine, cfg, reg, log)
	if !connMap.Register(producer) {
		return fmt.Errorf("dcpctl: producer cookie collision")
	}
	result, err := producer.StreamRequest(conn.StreamRequestInput{
		VBucket:      vbucket,
		StartSeqno:   1,
		SnapStart:    0,
		SnapEnd:      0,
		VBUUID:       0xFEED,
		IncludeValue: true,
	})
	if err != nil {
		return fmt.Errorf("dcpctl: streamRequest: %w", err)
	}

	consumer := conn.NewDcpConsumer(conn.NewCookie(), "dcpctl-consumer",
		func(uint16) stream.Storage { return engine.Storage(vbucket) },
		func(uint16) *checkpoint.SeqnoState { return checkpoint.NewSeqnoState(1) },
		cfg, reg, log)
	if !connMap.Register(consumer) {
		return fmt.Errorf("dcpctl: consumer cookie collision")
	}
	consumer.AddStream(vbucket, false)

	task := stream.NewSnapshotProcessorTask(producer, nil, 64, cfg.ConnectionManagerInterval, reg, log)
	produced := task.Tick()
	fmt.Printf("producer emitted %d items for vbucket %d\n", produced, vbucket)

	drained := 0
	for {
		msg, err := producer.Step()
		if err != nil {
			break
		}
		drained++
		_ = msg
	}
	fmt.Printf("drained %d wire messages from the ready queue\n", drained)

	consumer.ProcessSnapshotMarker(vbucket, model.SnapshotMarker{VBucket: vbucket, StartSeqno: items[0].BySeqno, EndSeqno: items[len(items)-1].BySeqno, Flags: model.SnapshotMemory})
	for i, item := range items {
		if err := consumer.ProcessMessage(vbucket, item, 0, false, int64(i)); err != nil {
			fmt.Printf("consumer rejected seqno %d: %v\n", item.BySeqno, err)
		}
	}

	applied := engine.Applied(vbucket)
	fmt.Printf("consumer applied %d items to storage\n", len(applied))
	_ = result
	return nil
}
