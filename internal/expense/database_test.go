package expense

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltDB", func() {
	var db *BoltDB

	BeforeEach(func() {
		var err error
		db, err = NewBoltDB(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(db.Close()).To(Succeed())
	})

	Describe("SaveExpense", func() {
		It("persists an expense that can be read back", func() {
			expense := &Expense{
				ID:        "e-1",
				Title:     "CVS Pharmacy",
				Date:      time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
				Amount:    2599,
				Currency:  "USD",
				Category:  "pharmacy",
				Filename:  "receipt.jpg",
				CreatedAt: time.Now().UTC(),
			}

			Expect(db.SaveExpense(expense)).To(Succeed())

			got, err := db.GetExpense("e-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Title).To(Equal("CVS Pharmacy"))
			Expect(got.Amount).To(Equal(2599))
			Expect(got.Category).To(Equal("pharmacy"))
		})

		It("overwrites an existing expense with the same id", func() {
			Expect(db.SaveExpense(&Expense{ID: "e-1", Title: "Before"})).To(Succeed())
			Expect(db.SaveExpense(&Expense{ID: "e-1", Title: "After"})).To(Succeed())

			got, err := db.GetExpense("e-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Title).To(Equal("After"))
		})
	})

	Describe("GetExpense", func() {
		When("the expense does not exist", func() {
			It("returns an error", func() {
				_, err := db.GetExpense("missing")
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("ListExpenses", func() {
		It("returns an empty list for a fresh database", func() {
			expenses, err := db.ListExpenses()
			Expect(err).NotTo(HaveOccurred())
			Expect(expenses).To(BeEmpty())
		})

		It("returns every saved expense", func() {
			Expect(db.SaveExpense(&Expense{ID: "e-1", Title: "One"})).To(Succeed())
			Expect(db.SaveExpense(&Expense{ID: "e-2", Title: "Two"})).To(Succeed())

			expenses, err := db.ListExpenses()
			Expect(err).NotTo(HaveOccurred())
			Expect(expenses).To(HaveLen(2))
		})
	})

	Describe("DeleteExpense", func() {
		It("removes the expense", func() {
			Expect(db.SaveExpense(&Expense{ID: "e-1"})).To(Succeed())
			Expect(db.DeleteExpense("e-1")).To(Succeed())

			_, err := db.GetExpense("e-1")
			Expect(err).To(HaveOccurred())
		})

		When("the expense does not exist", func() {
			It("returns an error", func() {
				Expect(db.DeleteExpense("missing")).To(HaveOccurred())
			})
		})
	})
})
