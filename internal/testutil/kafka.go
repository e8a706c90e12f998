//go:build integration

package testutil

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
)

// SetupKafka starts a single-node KRaft cluster and returns its seed brokers.
func SetupKafka(t testing.TB) []string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	c, err := kafka.Run(ctx, "confluentinc/confluent-local:7.5.0", kafka.WithClusterID("parley-test"))
	if err != nil {
		t.Skipf("kafka container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Terminate(ctx); err != nil {
			t.Logf("terminate kafka: %v", err)
		}
	})

	brokers, err := c.Brokers(ctx)
	if err != nil {
		t.Fatalf("kafka brokers: %v", err)
	}
	return brokers
}
