package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/pflag"

	"github.com/oicur0t/loglens/internal/config"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

func writeFile(dir, name, content string) string {
	path := filepath.Join(dir, name)
	Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
	return path
}

var _ = Describe("LoadServerConfig", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("should apply defaults around a minimal file", func() {
		path := writeFile(dir, "server.yaml", `
mongodb:
  uri: mongodb://localhost:27017
`)
		cfg, err := config.LoadServerConfig(path, nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.Store.Backend).To(Equal("mongodb"))
		Expect(cfg.Store.MaxEntries).To(Equal(10000))
		Expect(cfg.Server.RequestTimeout).To(Equal(30 * time.Second))
		Expect(cfg.Upstream.Translator.Timeout).To(Equal(10 * time.Second))
		Expect(cfg.Upstream.Translator.MaxAttempts).To(Equal(2))
		Expect(cfg.Upstream.Phraser.Timeout).To(Equal(15 * time.Second))
		Expect(cfg.Upstream.Phraser.MaxAttempts).To(Equal(1))
		Expect(cfg.Geo.BatchTimeout).To(Equal(2 * time.Second))
		Expect(cfg.Geo.Concurrency).To(Equal(8))
		Expect(cfg.Analysis.BurstWindow).To(Equal(time.Minute))
		Expect(cfg.Analysis.BurstThreshold).To(Equal(10))
		Expect(cfg.Analysis.StripQueryStrings).To(BeFalse())
		Expect(cfg.LogLevel).To(Equal("info"))
	})

	It("should let environment variables override the file", func() {
		path := writeFile(dir, "server.yaml", `
store:
  backend: mongodb
mongodb:
  uri: mongodb://localhost:27017
`)
		GinkgoT().Setenv("LOGLENS_STORE_BACKEND", "clickhouse")
		GinkgoT().Setenv("LOGLENS_CLICKHOUSE_HOSTS", "ch1:9000")
		GinkgoT().Setenv("LOGLENS_ANALYSIS_BURST_THRESHOLD", "25")

		cfg, err := config.LoadServerConfig(path, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Store.Backend).To(Equal("clickhouse"))
		Expect(cfg.ClickHouse.Hosts).To(Equal([]string{"ch1:9000"}))
		Expect(cfg.Analysis.BurstThreshold).To(Equal(25))
	})

	It("should let flags override everything", func() {
		path := writeFile(dir, "server.yaml", `
log_level: warn
mongodb:
  uri: mongodb://localhost:27017
`)
		flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
		flags.String("log-level", "info", "")
		Expect(flags.Parse([]string{"--log-level=debug"})).To(Succeed())

		cfg, err := config.LoadServerConfig(path, flags)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.LogLevel).To(Equal("debug"))
	})

	It("should require the selected backend's address", func() {
		path := writeFile(dir, "server.yaml", `
store:
  backend: elasticsearch
`)
		_, err := config.LoadServerConfig(path, nil)
		Expect(err).To(MatchError(ContainSubstring("elasticsearch.urls")))
	})

	It("should reject an unknown backend", func() {
		path := writeFile(dir, "server.yaml", `
store:
  backend: sqlite
`)
		_, err := config.LoadServerConfig(path, nil)
		Expect(err).To(MatchError(ContainSubstring("Backend")))
	})

	It("should require a URL for an enabled collaborator", func() {
		path := writeFile(dir, "server.yaml", `
mongodb:
  uri: mongodb://localhost:27017
upstream:
  phraser:
    enabled: true
`)
		_, err := config.LoadServerConfig(path, nil)
		Expect(err).To(MatchError(ContainSubstring("upstream.phraser.url")))
	})

	It("should fail on a missing file", func() {
		_, err := config.LoadServerConfig(filepath.Join(dir, "missing.yaml"), nil)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("LoadRules", func() {
	It("should return the defaults without a path", func() {
		rules, err := config.LoadRules("")
		Expect(err).NotTo(HaveOccurred())
		Expect(rules.SensitivePaths).To(ContainElement("/wp-admin"))
		Expect(rules.AgentSignatures).To(ContainElement("sqlmap"))
	})

	It("should replace only the lists present in the file", func() {
		dir := GinkgoT().TempDir()
		path := writeFile(dir, "rules.yaml", `
ip_blacklist:
  - 203.0.113.7
  - 198.51.100.0/24
sensitive_paths:
  - /internal
`)
		rules, err := config.LoadRules(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(rules.IPBlacklist).To(Equal([]string{"203.0.113.7", "198.51.100.0/24"}))
		Expect(rules.SensitivePaths).To(Equal([]string{"/internal"}))
		Expect(rules.Signatures).To(Equal(config.DefaultRules().Signatures))
	})

	It("should reject malformed blacklist entries", func() {
		dir := GinkgoT().TempDir()
		path := writeFile(dir, "rules.yaml", `
ip_blacklist:
  - not-an-ip
`)
		_, err := config.LoadRules(path)
		Expect(err).To(MatchError(ContainSubstring("not-an-ip")))
	})
})
