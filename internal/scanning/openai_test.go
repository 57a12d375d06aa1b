package scanning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("OpenAI", func() {
	var (
		server   *httptest.Server
		handler  http.HandlerFunc
		requests []chatRequest
		scanner  *OpenAI
	)

	respondWith := func(content string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var req chatRequest
			Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
			requests = append(requests, req)

			resp := map[string]any{
				"choices": []map[string]any{
					{"message": map[string]any{"content": content}},
				},
			}
			json.NewEncoder(w).Encode(resp)
		}
	}

	BeforeEach(func() {
		requests = nil
		handler = respondWith(`{"total_amount": 42.10, "currency": "USD", "date": "2024-05-05", "time": "12:00", "items": "Groceries"}`)
	})

	JustBeforeEach(func() {
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handler(w, r)
		}))
		var err error
		scanner, err = NewOpenAI("test-key", server.URL, "gpt-4.1", time.Second, 3, time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		scanner.sleep = func(time.Duration) {}
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("ScanReceipt", func() {
		var page = []byte("fake png bytes")

		When("the endpoint answers with valid JSON", func() {
			It("should return the extracted fields", func() {
				data, err := scanner.ScanReceipt(context.Background(), [][]byte{page})
				Expect(err).NotTo(HaveOccurred())
				Expect(*data.TotalAmount).To(Equal(42.10))
				Expect(*data.Currency).To(Equal("USD"))
			})

			It("should send system and user messages at temperature 0.3", func() {
				_, err := scanner.ScanReceipt(context.Background(), [][]byte{page})
				Expect(err).NotTo(HaveOccurred())
				Expect(requests).To(HaveLen(1))
				Expect(requests[0].Temperature).To(Equal(0.3))
				Expect(requests[0].Messages).To(HaveLen(2))
				Expect(requests[0].Messages[0].Role).To(Equal("system"))
				Expect(requests[0].Messages[1].Role).To(Equal("user"))
			})
		})

		When("the answer is wrapped in markdown fences", func() {
			BeforeEach(func() {
				handler = respondWith("```json\n{\"total_amount\": 7, \"currency\": \"EUR\", \"date\": null, \"time\": null, \"items\": null}\n```")
			})

			It("should still parse the fields", func() {
				data, err := scanner.ScanReceipt(context.Background(), [][]byte{page})
				Expect(err).NotTo(HaveOccurred())
				Expect(*data.TotalAmount).To(Equal(7.0))
			})
		})

		When("the endpoint returns a server error", func() {
			var calls int

			BeforeEach(func() {
				calls = 0
				handler = func(w http.ResponseWriter, r *http.Request) {
					calls++
					http.Error(w, "overloaded", http.StatusInternalServerError)
				}
			})

			It("should fail without retrying", func() {
				_, err := scanner.ScanReceipt(context.Background(), [][]byte{page})
				Expect(err).To(HaveOccurred())
				Expect(calls).To(Equal(1))
			})
		})

		When("no pages are provided", func() {
			It("should return an error without calling the endpoint", func() {
				_, err := scanner.ScanReceipt(context.Background(), nil)
				Expect(err).To(HaveOccurred())
				Expect(requests).To(BeEmpty())
			})
		})

		When("the endpoint times out repeatedly", func() {
			var calls int

			BeforeEach(func() {
				calls = 0
				handler = func(w http.ResponseWriter, r *http.Request) {
					calls++
					time.Sleep(100 * time.Millisecond)
				}
			})

			JustBeforeEach(func() {
				scanner.client.Timeout = 20 * time.Millisecond
			})

			It("should exhaust the retry budget before failing", func() {
				_, err := scanner.ScanReceipt(context.Background(), [][]byte{page})
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("timed out after 3 retries"))
				Expect(calls).To(Equal(4))
			})
		})
	})
})

var _ = Describe("backoffDelay", func() {
	It("should grow exponentially with the attempt number", func() {
		base := 2 * time.Second
		Expect(backoffDelay(1, base)).To(BeNumerically(">=", 2*time.Second))
		Expect(backoffDelay(1, base)).To(BeNumerically("<", 2200*time.Millisecond))
		Expect(backoffDelay(2, base)).To(BeNumerically(">=", 4*time.Second))
		Expect(backoffDelay(3, base)).To(BeNumerically(">=", 8*time.Second))
	})

	It("should bound the jitter at a tenth of the base delay", func() {
		base := time.Second
		for i := 0; i < 20; i++ {
			Expect(backoffDelay(1, base)).To(BeNumerically("<=", base+base/10))
		}
	})
})
