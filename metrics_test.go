package transfercore

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersAllInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	// A CounterVec with no label values yet is not gathered, so create one
	// child per vector before counting families.
	m.LinkDeliveries.WithLabelValues("1")
	m.LinkDroppedPresettled.WithLabelValues("1")
	m.AddressIngress.WithLabelValues("addr1")

	families, err := reg.Gather()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(families), 7)
}

func TestNewMetricsNilRegistryIsSelfContained(t *testing.T) {
	m := NewMetrics(nil)
	require.NotNil(t, m)
	m.DeliveriesIngress.Inc()

	var out dto.Metric
	require.NoError(t, m.DeliveriesIngress.Write(&out))
	require.EqualValues(t, 1, out.GetCounter().GetValue())
}

func TestMetricsCounterVecLabelsByKey(t *testing.T) {
	m := NewMetrics(nil)
	m.AddressIngress.WithLabelValues("addr1").Inc()
	m.AddressIngress.WithLabelValues("addr1").Inc()
	m.AddressIngress.WithLabelValues("addr2").Inc()

	var out dto.Metric
	require.NoError(t, m.AddressIngress.WithLabelValues("addr1").Write(&out))
	require.EqualValues(t, 2, out.GetCounter().GetValue())
}
