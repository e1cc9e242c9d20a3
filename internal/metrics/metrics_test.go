package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersByLabel(t *testing.T) {
	Init()
	Init()

	Provisioning("u1", "setup", nil)
	Provisioning("u1", "setup", errors.New("boom"))
	Rejected("custom-log", 401)
	Ingested("u1", "github")

	assert.Equal(t, 1.0, testutil.ToFloat64(ProvisioningRuns.WithLabelValues("u1", "setup", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ProvisioningRuns.WithLabelValues("u1", "setup", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(IngestRejected.WithLabelValues("custom-log", "Unauthorized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(LogsIngested.WithLabelValues("u1", "github")))
}
