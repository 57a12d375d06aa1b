package receipt

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeMessenger records every message the coordinator sends.
type fakeMessenger struct {
	mu      sync.Mutex
	sendErr error
	sent    []sentMessage
}

type sentMessage struct {
	chatID int64
	text   string
}

func (m *fakeMessenger) SendText(chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

func (m *fakeMessenger) messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

var _ = Describe("Coordinator", func() {
	var (
		messenger *fakeMessenger
		coord     *Coordinator
	)

	// Short periods keep the async assertions fast while preserving
	// the quiet-then-recheck ordering.
	const (
		quiet   = 30 * time.Millisecond
		recheck = 10 * time.Millisecond
	)

	BeforeEach(func() {
		messenger = &fakeMessenger{}
		coord = NewCoordinator(messenger, quiet, recheck)
	})

	When("a burst of files all complete before the quiet period ends", func() {
		BeforeEach(func() {
			for _, token := range []string{"42_1", "42_2", "42_3"} {
				coord.Register(42, token, "folder-42", 100)
				coord.MarkCompleted(42, token)
			}
		})

		It("should send exactly one summary", func() {
			Eventually(messenger.messages).Should(HaveLen(1))
			Consistently(messenger.messages, 5*quiet).Should(HaveLen(1))
		})

		It("should count every file as uploaded", func() {
			Eventually(messenger.messages).Should(HaveLen(1))
			Expect(messenger.messages()[0].text).To(ContainSubstring("Successfully uploaded: 3 file(s)"))
		})

		It("should address the summary to the registering chat", func() {
			Eventually(messenger.messages).Should(HaveLen(1))
			Expect(messenger.messages()[0].chatID).To(Equal(int64(100)))
		})

		It("should link the owner folder", func() {
			Eventually(messenger.messages).Should(HaveLen(1))
			Expect(messenger.messages()[0].text).To(ContainSubstring("https://drive.google.com/drive/folders/folder-42"))
		})
	})

	When("a file is still processing when the quiet period ends", func() {
		BeforeEach(func() {
			coord.Register(42, "42_1", "folder-42", 100)
		})

		It("should hold the summary until the file completes", func() {
			Consistently(messenger.messages, 3*quiet).Should(BeEmpty())
			coord.MarkCompleted(42, "42_1")
			Eventually(messenger.messages).Should(HaveLen(1))
		})
	})

	When("some files failed during the batch", func() {
		BeforeEach(func() {
			for _, token := range []string{"42_1", "42_2", "42_3"} {
				coord.Register(42, token, "folder-42", 100)
			}
			coord.RecordFailure(42, "blurry.pdf")
			coord.RecordFailure(42, "photo_2.jpg")
			for _, token := range []string{"42_1", "42_2", "42_3"} {
				coord.MarkCompleted(42, token)
			}
		})

		It("should still count every registered file as uploaded", func() {
			Eventually(messenger.messages).Should(HaveLen(1))
			Expect(messenger.messages()[0].text).To(ContainSubstring("Successfully uploaded: 3 file(s)"))
		})

		It("should enumerate the failed filenames", func() {
			Eventually(messenger.messages).Should(HaveLen(1))
			Expect(messenger.messages()[0].text).To(ContainSubstring("Failed to process: blurry.pdf, photo_2.jpg"))
		})
	})

	When("the same token registers twice", func() {
		BeforeEach(func() {
			coord.Register(42, "42_1", "folder-42", 100)
			coord.Register(42, "42_1", "folder-42", 100)
			coord.MarkCompleted(42, "42_1")
		})

		It("should count the file once", func() {
			Eventually(messenger.messages).Should(HaveLen(1))
			Expect(messenger.messages()[0].text).To(ContainSubstring("Successfully uploaded: 1 file(s)"))
		})
	})

	When("two owners have concurrent batches", func() {
		BeforeEach(func() {
			coord.Register(42, "42_1", "folder-42", 100)
			coord.Register(99, "99_1", "folder-99", 200)
			coord.MarkCompleted(42, "42_1")
			coord.MarkCompleted(99, "99_1")
		})

		It("should send one summary per owner", func() {
			Eventually(messenger.messages).Should(HaveLen(2))
			chats := []int64{messenger.messages()[0].chatID, messenger.messages()[1].chatID}
			Expect(chats).To(ConsistOf(int64(100), int64(200)))
		})
	})

	When("a new file arrives after a batch finalized", func() {
		BeforeEach(func() {
			coord.Register(42, "42_1", "folder-42", 100)
			coord.MarkCompleted(42, "42_1")
			Eventually(messenger.messages).Should(HaveLen(1))

			coord.Register(42, "42_2", "folder-42", 100)
			coord.MarkCompleted(42, "42_2")
		})

		It("should start a fresh batch with its own summary", func() {
			Eventually(messenger.messages).Should(HaveLen(2))
			Expect(messenger.messages()[1].text).To(ContainSubstring("Successfully uploaded: 1 file(s)"))
		})
	})

	When("completion arrives for an unknown owner", func() {
		It("should be a no-op", func() {
			coord.MarkCompleted(7, "7_1")
			Consistently(messenger.messages, 3*quiet).Should(BeEmpty())
		})
	})

	When("no folder was resolved for the batch", func() {
		BeforeEach(func() {
			coord.Register(42, "42_1", "", 100)
			coord.MarkCompleted(42, "42_1")
		})

		It("should omit the folder link", func() {
			Eventually(messenger.messages).Should(HaveLen(1))
			Expect(messenger.messages()[0].text).NotTo(ContainSubstring("Folder"))
		})
	})
})

var _ = Describe("buildSummary", func() {
	It("should report the success count", func() {
		Expect(buildSummary(2, nil, "")).To(Equal("✅ Successfully uploaded: 2 file(s)"))
	})

	It("should append failures and the folder link", func() {
		text := buildSummary(3, []string{"a.pdf"}, "f-1")
		Expect(text).To(ContainSubstring("⚠️ Failed to process: a.pdf"))
		Expect(text).To(ContainSubstring("📁 [Folder](https://drive.google.com/drive/folders/f-1)"))
	})
})
