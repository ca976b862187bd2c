package provider_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/chatbridge/internal/provider"
)

func TestProviderSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Provider Suite")
}

var _ = Describe("GeminiProvider", func() {
	var (
		ctx      context.Context
		server   *httptest.Server
		status   int
		body     string
		lastPath string
		lastBody string
		lastKey  string
	)

	newProvider := func(model string) *provider.GeminiProvider {
		p, err := provider.NewGeminiProvider(ctx, &provider.GeminiConfig{
			APIKey:  "test-key",
			BaseURL: server.URL,
			Model:   model,
		})
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	BeforeEach(func() {
		ctx = context.Background()
		status = http.StatusOK
		body = `{"candidates":[{"content":{"role":"model","parts":[{"text":"  Olá! Como posso ajudar?  "}]},"finishReason":"STOP"}]}`

		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lastPath = r.URL.Path
			lastKey = r.Header.Get("x-goog-api-key")
			data, _ := io.ReadAll(r.Body)
			lastBody = string(data)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			io.WriteString(w, body)
		}))
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("Provider Properties", func() {
		It("defaults to gemini-2.0-flash", func() {
			p := newProvider("")
			Expect(p.ID()).To(Equal("gemini"))
			Expect(p.Model()).To(Equal(provider.DefaultGeminiModel))
		})

		It("requires an API key", func() {
			prev, had := os.LookupEnv("GEMINI_API_KEY")
			os.Unsetenv("GEMINI_API_KEY")
			DeferCleanup(func() {
				if had {
					os.Setenv("GEMINI_API_KEY", prev)
				}
			})
			_, err := provider.NewGeminiProvider(ctx, &provider.GeminiConfig{})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Generate", func() {
		It("sends the prompt and trims the reply", func() {
			p := newProvider("gemini-2.0-flash")

			reply, err := p.Generate(ctx, "Usuário: Oi")
			Expect(err).NotTo(HaveOccurred())
			Expect(reply).To(Equal("Olá! Como posso ajudar?"))

			Expect(lastPath).To(ContainSubstring("gemini-2.0-flash:generateContent"))
			Expect(lastBody).To(ContainSubstring("Usuário: Oi"))
			Expect(lastKey).To(Equal("test-key"))
		})

		It("reports an empty reply", func() {
			body = `{"candidates":[{"content":{"role":"model","parts":[{"text":"   "}]}}]}`
			p := newProvider("")

			_, err := p.Generate(ctx, "p")
			Expect(err).To(MatchError(provider.ErrEmptyReply))
		})

		It("returns API errors", func() {
			status = http.StatusBadRequest
			body = `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`
			p := newProvider("")

			_, err := p.Generate(ctx, "p")
			Expect(err).To(HaveOccurred())
			Expect(strings.ToLower(err.Error())).To(ContainSubstring("gemini"))
		})
	})
})
