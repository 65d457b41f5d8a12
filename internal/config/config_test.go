package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when no file is given", func() {
			It("returns validated defaults", func() {
				cfg, err := Load("")
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.LLM.Provider).To(Equal("claude"))
				Expect(cfg.LLM.MinConfidence).To(Equal(0.85))
				Expect(cfg.Publisher.DaysToSync).To(Equal(7))
				Expect(cfg.Publisher.PushEnabled).To(BeFalse())
			})
		})

		Context("when the config file sets values", func() {
			BeforeEach(func() {
				content := `
llm:
  provider: openai
  min_confidence: 0.9
  retry_threshold: 0.4
  max_retries: 3
publisher:
  push_enabled: false
  days_to_sync: 14
`
				Expect(os.WriteFile(configFile, []byte(content), 0644)).To(Succeed())
			})

			It("loads values from the file", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.LLM.Provider).To(Equal("openai"))
				Expect(cfg.LLM.MinConfidence).To(Equal(0.9))
				Expect(cfg.Publisher.DaysToSync).To(Equal(14))
			})
		})

		Context("when environment variables are set", func() {
			BeforeEach(func() {
				os.Setenv("REDIS_URL", "redis://example:6379/1")
				os.Setenv("PUBLISHER_PUSH_ENABLED", "true")
				os.Setenv("REDIS_POOL_SIZE", "100")
			})

			AfterEach(func() {
				os.Unsetenv("REDIS_URL")
				os.Unsetenv("PUBLISHER_PUSH_ENABLED")
				os.Unsetenv("REDIS_POOL_SIZE")
			})

			It("overlays the environment on top of file/defaults", func() {
				cfg, err := Load("")
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Redis.URL).To(Equal("redis://example:6379/1"))
				Expect(cfg.Publisher.PushEnabled).To(BeTrue())
			})

			It("caps the redis pool size at 50", func() {
				cfg, err := Load("")
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Redis.PoolSize).To(Equal(50))
			})
		})

		Context("when the provider is invalid", func() {
			BeforeEach(func() {
				os.Setenv("LLM_PROVIDER", "not-a-provider")
			})
			AfterEach(func() {
				os.Unsetenv("LLM_PROVIDER")
			})

			It("returns a validation error", func() {
				_, err := Load("")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("unsupported llm provider"))
			})
		})
	})

	Describe("Validate", func() {
		It("rejects retry_threshold above min_confidence", func() {
			cfg := Default()
			cfg.LLM.RetryThreshold = 0.95
			cfg.LLM.MinConfidence = 0.5
			Expect(cfg.Validate()).To(HaveOccurred())
		})

		It("accepts the zero-value defaults", func() {
			Expect(Default().Validate()).To(Succeed())
		})
	})

	It("parses durations from the yaml document", func() {
		content := `
llm:
  timeout: 45s
publisher:
  check_interval: 10m
`
		Expect(os.WriteFile(configFile, []byte(content), 0644)).To(Succeed())
		cfg, err := Load(configFile)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.LLM.Timeout.AsDuration()).To(Equal(45 * time.Second))
		Expect(cfg.Publisher.CheckInterval.AsDuration()).To(Equal(10 * time.Minute))
	})
})
