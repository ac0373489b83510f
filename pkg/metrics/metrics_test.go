package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetRole_OneActive(t *testing.T) {
	SetRole("slave")
	assert.Equal(t, 1.0, testutil.ToFloat64(Role.WithLabelValues("slave")))
	assert.Equal(t, 0.0, testutil.ToFloat64(Role.WithLabelValues("master")))
	assert.Equal(t, 0.0, testutil.ToFloat64(Role.WithLabelValues("unknown")))

	SetRole("master")
	assert.Equal(t, 0.0, testutil.ToFloat64(Role.WithLabelValues("slave")))
	assert.Equal(t, 1.0, testutil.ToFloat64(Role.WithLabelValues("master")))
}

func TestResult(t *testing.T) {
	assert.Equal(t, "success", result(nil))
	assert.Equal(t, "timeout", result(fmt.Errorf("adapter health: %w", context.DeadlineExceeded)))
	assert.Equal(t, "error", result(errors.New("boom")))
}

func TestRecordRegistryUpdate(t *testing.T) {
	before := testutil.ToFloat64(RegistryUpdates.WithLabelValues("tag", "error"))
	RecordRegistryUpdate("tag", errors.New("connection refused"))
	assert.Equal(t, before+1, testutil.ToFloat64(RegistryUpdates.WithLabelValues("tag", "error")))
}
