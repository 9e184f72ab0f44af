package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "outcome"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.NotNil(t, Tracer("outcome/test"))
	assert.NotNil(t, Meter("outcome/test"))
}

func TestExporterOptionsFollowInsecure(t *testing.T) {
	assert.Len(t, traceOptions(Config{Endpoint: "collector:4318"}), 1)
	assert.Len(t, traceOptions(Config{Endpoint: "collector:4318", Insecure: true}), 2)
	assert.Len(t, metricOptions(Config{Endpoint: "collector:4318", Insecure: true}), 2)
}
