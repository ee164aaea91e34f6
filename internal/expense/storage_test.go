package expense

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		dir     string
		storage *LocalStorage
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()

		var err error
		storage, err = NewLocalStorage(dir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Save", func() {
		It("writes the file and returns its storage name", func() {
			path, err := storage.Save("receipt.jpg", []byte("image data"))
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(Equal("receipt.jpg"))

			data, err := os.ReadFile(filepath.Join(dir, "receipt.jpg"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("image data"))
		})

		It("keeps both files when the same name is uploaded twice", func() {
			first, err := storage.Save("receipt.jpg", []byte("original"))
			Expect(err).NotTo(HaveOccurred())

			second, err := storage.Save("receipt.jpg", []byte("rescan"))
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal("receipt-2.jpg"))

			data, err := storage.Get(first)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("original"))

			data, err = storage.Get(second)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("rescan"))
		})

		It("flattens directory components out of the upload name", func() {
			path, err := storage.Save("../somewhere/receipt.jpg", []byte("image data"))
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(Equal("receipt.jpg"))

			_, err = os.Stat(filepath.Join(dir, "receipt.jpg"))
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Get", func() {
		It("reads back a saved file", func() {
			path, err := storage.Save("receipt.jpg", []byte("image data"))
			Expect(err).NotTo(HaveOccurred())

			data, err := storage.Get(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("image data"))
		})

		When("the file does not exist", func() {
			It("returns an error", func() {
				_, err := storage.Get("missing.jpg")
				Expect(err).To(HaveOccurred())
			})
		})

		When("the name points outside the storage directory", func() {
			It("returns an error", func() {
				_, err := storage.Get("../receipt.jpg")
				Expect(err).To(HaveOccurred())

				_, err = storage.Get("nested/receipt.jpg")
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("Delete", func() {
		It("removes the file", func() {
			path, err := storage.Save("receipt.jpg", []byte("image data"))
			Expect(err).NotTo(HaveOccurred())

			Expect(storage.Delete(path)).To(Succeed())

			_, err = os.Stat(filepath.Join(dir, "receipt.jpg"))
			Expect(os.IsNotExist(err)).To(BeTrue())
		})
	})
})
