package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/nativepatch/api"
)

func TestMetricsListener(t *testing.T) {
	reg := prometheus.NewRegistry()
	l, err := NewMetricsListener(reg)
	require.NoError(t, err)

	l.OnPatch(api.PatchEvent{Op: api.PatchOpSetCallDestination, New: make([]byte, 5)})
	l.OnPatch(api.PatchEvent{Op: api.PatchOpSetCallDestination, New: make([]byte, 5)})
	l.OnPatch(api.PatchEvent{Op: api.PatchOpInsertIllegal, New: make([]byte, 2)})

	require.Equal(t, 2.0, testutil.ToFloat64(l.patches.WithLabelValues("set_call_destination")))
	require.Equal(t, 10.0, testutil.ToFloat64(l.patchedBytes.WithLabelValues("set_call_destination")))
	require.Equal(t, 1.0, testutil.ToFloat64(l.patches.WithLabelValues("insert_illegal")))
	require.Equal(t, 2.0, testutil.ToFloat64(l.patchedBytes.WithLabelValues("insert_illegal")))
	require.Equal(t, 2, testutil.CollectAndCount(l.patches))

	// The same counters can't be registered twice.
	_, err = NewMetricsListener(reg)
	require.Error(t, err)
}
