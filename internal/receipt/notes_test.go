package receipt

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// noteStoreSpecs runs the NoteStore contract against one backend.
// Both implementations must behave identically; only persistence
// differs.
func noteStoreSpecs(name string, open func(path string, clock *mockTimeSource) NoteStore) bool {
	return Describe(name, func() {
		var (
			store NoteStore
			clock *mockTimeSource
		)

		newRecord := func(recordID string, rowID int64) NoteRecord {
			return NoteRecord{
				SheetRowID:    rowID,
				RecordID:      recordID,
				GroupID:       1,
				SpreadsheetID: "sheet-abc",
				SheetID:       "0",
				MessageText:   "receipt confirmation",
			}
		}

		BeforeEach(func() {
			clock = &mockTimeSource{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
			store = open(filepath.Join(GinkgoT().TempDir(), "notes"), clock)
		})

		AfterEach(func() {
			store.Close()
		})

		Describe("Register and Lookup", func() {
			When("a record was registered", func() {
				BeforeEach(func() {
					Expect(store.Register(42, 7, newRecord("rec-1", 10))).To(Succeed())
				})

				It("should be returned by Lookup", func() {
					rec, ok, err := store.Lookup(42, 7)
					Expect(err).NotTo(HaveOccurred())
					Expect(ok).To(BeTrue())
					Expect(rec.RecordID).To(Equal("rec-1"))
				})

				It("should default the timestamp to registration time", func() {
					rec, _, err := store.Lookup(42, 7)
					Expect(err).NotTo(HaveOccurred())
					Expect(rec.Timestamp).To(Equal(clock.now.Unix()))
				})

				It("should not be visible to another owner", func() {
					_, ok, err := store.Lookup(99, 7)
					Expect(err).NotTo(HaveOccurred())
					Expect(ok).To(BeFalse())
				})
			})

			When("a registration is repeated for the same message", func() {
				BeforeEach(func() {
					Expect(store.Register(42, 7, newRecord("rec-1", 10))).To(Succeed())
					Expect(store.Register(42, 7, newRecord("rec-2", 10))).To(Succeed())
				})

				It("should keep the latest record", func() {
					rec, ok, err := store.Lookup(42, 7)
					Expect(err).NotTo(HaveOccurred())
					Expect(ok).To(BeTrue())
					Expect(rec.RecordID).To(Equal("rec-2"))
				})
			})

			When("the message was never registered", func() {
				It("should report absent without error", func() {
					_, ok, err := store.Lookup(42, 7)
					Expect(err).NotTo(HaveOccurred())
					Expect(ok).To(BeFalse())
				})
			})
		})

		Describe("retention", func() {
			BeforeEach(func() {
				Expect(store.Register(42, 7, newRecord("rec-1", 10))).To(Succeed())
			})

			When("the record is just under the retention age", func() {
				BeforeEach(func() {
					clock.now = clock.now.Add(14*24*time.Hour - time.Second)
				})

				It("should still be returned", func() {
					_, ok, err := store.Lookup(42, 7)
					Expect(err).NotTo(HaveOccurred())
					Expect(ok).To(BeTrue())
				})
			})

			When("the record is exactly at the retention age", func() {
				BeforeEach(func() {
					clock.now = clock.now.Add(14 * 24 * time.Hour)
				})

				It("should be treated as absent", func() {
					_, ok, err := store.Lookup(42, 7)
					Expect(err).NotTo(HaveOccurred())
					Expect(ok).To(BeFalse())
				})
			})
		})

		Describe("Sweep", func() {
			BeforeEach(func() {
				Expect(store.Register(42, 1, newRecord("rec-old", 10))).To(Succeed())
				clock.now = clock.now.Add(15 * 24 * time.Hour)
				Expect(store.Register(42, 2, newRecord("rec-new", 11))).To(Succeed())
			})

			It("should remove only expired records", func() {
				removed, err := store.Sweep()
				Expect(err).NotTo(HaveOccurred())
				Expect(removed).To(Equal(1))

				_, ok, err := store.Lookup(42, 2)
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeTrue())
			})
		})

		Describe("sweep throttling", func() {
			BeforeEach(func() {
				Expect(store.Register(42, 1, newRecord("rec-old", 10))).To(Succeed())
			})

			When("a registration happens before the sweep interval elapses", func() {
				BeforeEach(func() {
					clock.now = clock.now.Add(2 * 24 * time.Hour)
					Expect(store.Register(42, 2, newRecord("rec-2", 11))).To(Succeed())
				})

				It("should leave earlier records in place", func() {
					removed, err := store.Sweep()
					Expect(err).NotTo(HaveOccurred())
					Expect(removed).To(BeZero())
				})
			})

			When("a registration happens after both intervals elapse", func() {
				BeforeEach(func() {
					clock.now = clock.now.Add(15 * 24 * time.Hour)
					Expect(store.Register(42, 2, newRecord("rec-2", 11))).To(Succeed())
				})

				It("should have swept the expired record", func() {
					removed, err := store.Sweep()
					Expect(err).NotTo(HaveOccurred())
					Expect(removed).To(BeZero())

					_, ok, err := store.Lookup(42, 1)
					Expect(err).NotTo(HaveOccurred())
					Expect(ok).To(BeFalse())
				})
			})
		})

		Describe("OwnerByRow", func() {
			BeforeEach(func() {
				Expect(store.Register(42, 1, newRecord("rec-1", 10))).To(Succeed())
				Expect(store.Register(99, 2, newRecord("rec-2", 20))).To(Succeed())
			})

			It("should find the owner behind a row", func() {
				owner, ok, err := store.OwnerByRow(20)
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeTrue())
				Expect(owner).To(Equal(int64(99)))
			})

			It("should report absent for unknown rows", func() {
				_, ok, err := store.OwnerByRow(555)
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeFalse())
			})
		})
	})
}

var _ = noteStoreSpecs("JSONNoteStore", func(path string, clock *mockTimeSource) NoteStore {
	return NewJSONNoteStoreWithTime(path+".json", DefaultNoteRetention, DefaultSweepInterval, clock)
})

var _ = noteStoreSpecs("BoltNoteStore", func(path string, clock *mockTimeSource) NoteStore {
	store, err := NewBoltNoteStoreWithTime(path+".db", DefaultNoteRetention, DefaultSweepInterval, clock)
	Expect(err).NotTo(HaveOccurred())
	return store
})
