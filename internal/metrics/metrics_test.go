package metrics_test

import (
	"context"
	"io"
	"net/http"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/oicur0t/loglens/internal/metrics"
)

func TestMetrics(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Metrics Suite")
}

var _ = Describe("Metrics", func() {
	It("should register every collector on a private registry", func() {
		reg := prometheus.NewRegistry()
		m := metrics.NewMetricsWithRegistry(reg)

		m.Analysis.Analyses.WithLabelValues(metrics.OutcomeSuccess).Inc()
		m.Analysis.DegradedSections.WithLabelValues("geo").Add(2)
		m.Upstream.Requests.WithLabelValues("phraser", metrics.OutcomeTimeout).Inc()

		Expect(testutil.ToFloat64(m.Analysis.Analyses.WithLabelValues(metrics.OutcomeSuccess))).To(Equal(1.0))
		Expect(testutil.ToFloat64(m.Analysis.DegradedSections.WithLabelValues("geo"))).To(Equal(2.0))

		families, err := reg.Gather()
		Expect(err).NotTo(HaveOccurred())
		names := make([]string, 0, len(families))
		for _, f := range families {
			names = append(names, f.GetName())
		}
		Expect(names).To(ContainElements(
			"loglens_analyses_total",
			"loglens_degraded_sections_total",
			"loglens_upstream_requests_total",
		))
	})

	It("should serve the registry over HTTP", func() {
		reg := prometheus.NewRegistry()
		m := metrics.NewMetricsWithRegistry(reg)
		m.Analysis.MalformedRecords.Add(3)

		srv, err := metrics.StartServer("127.0.0.1:0", reg, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = srv.Shutdown(context.Background()) })

		resp, err := http.Get("http://" + srv.Addr + "/metrics")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(ContainSubstring("loglens_malformed_records_total 3"))
	})
})
