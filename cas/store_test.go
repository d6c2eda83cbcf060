package cas_test

import (
	"bytes"
	"os"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/buildstream-go/bst-core/cas"
)

var _ = Describe("Store", func() {
	var store *cas.Store
	var root string

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "cas-store-test-")
		Expect(err).NotTo(HaveOccurred())
		store, err = cas.Open(root)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(root)
	})

	Describe("objects", func() {
		It("is idempotent and content-addressed", func() {
			d1, err := store.AddObject([]byte("hello world"))
			Expect(err).NotTo(HaveOccurred())
			d2, err := store.AddObject([]byte("hello world"))
			Expect(err).NotTo(HaveOccurred())
			Expect(d1).To(Equal(d2))
			Expect(store.HasObject(d1)).To(BeTrue())
		})

		It("round-trips bytes through Open/ReadAll", func() {
			d, err := store.AddObject([]byte("payload"))
			Expect(err).NotTo(HaveOccurred())
			got, err := store.ReadAll(d)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal([]byte("payload")))
		})

		It("streams content via AddObjectReader with the same digest as AddObject", func() {
			content := []byte("streamed content for hashing reader")
			byReader, err := store.AddObjectReader(bytes.NewReader(content))
			Expect(err).NotTo(HaveOccurred())
			byBytes, err := store.AddObject(content)
			Expect(err).NotTo(HaveOccurred())
			Expect(byReader).To(Equal(byBytes))
		})

		It("reports missing objects as not found", func() {
			_, err := store.ReadAll(cas.DigestForBytes([]byte("never stored")))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Directory encoding", func() {
		It("round-trips CanonicalBytes/ParseDirectory", func() {
			f, err := store.AddObject([]byte("file contents"))
			Expect(err).NotTo(HaveOccurred())
			dir := cas.Directory{
				Files:    []cas.FileNode{{Name: "b.txt", Digest: f}, {Name: "a.txt", Digest: f, Executable: true}},
				Symlinks: []cas.SymlinkNode{{Name: "link", Target: "a.txt"}},
			}
			b := dir.CanonicalBytes()
			parsed, err := cas.ParseDirectory(b)
			Expect(err).NotTo(HaveOccurred())
			Expect(parsed.Digest()).To(Equal(dir.Digest()))
		})

		It("produces identical digests regardless of input order", func() {
			f := cas.DigestForBytes([]byte("x"))
			d1 := cas.Directory{Files: []cas.FileNode{{Name: "a", Digest: f}, {Name: "b", Digest: f}}}
			d2 := cas.Directory{Files: []cas.FileNode{{Name: "b", Digest: f}, {Name: "a", Digest: f}}}
			Expect(d1.Digest()).To(Equal(d2.Digest()))
		})

		It("stores and resolves directories through the store", func() {
			sub, err := store.AddDirectory(cas.Directory{})
			Expect(err).NotTo(HaveOccurred())
			top := cas.Directory{Directories: []cas.DirectoryNode{{Name: "empty", Digest: sub}}}
			digest, err := store.AddDirectory(top)
			Expect(err).NotTo(HaveOccurred())
			got, err := store.GetDirectory(digest)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Directories).To(HaveLen(1))
			Expect(got.Directories[0].Digest).To(Equal(sub))
		})
	})

	Describe("refs", func() {
		It("resolves a ref set with SetRef", func() {
			d, _ := store.AddObject([]byte("artifact"))
			Expect(store.SetRef("proj/el/key", d)).To(Succeed())
			got, err := store.ResolveRef("proj/el/key", false)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(d))
		})

		It("aliases a ref via LinkRef", func() {
			d, _ := store.AddObject([]byte("artifact"))
			Expect(store.SetRef("proj/el/strong", d)).To(Succeed())
			Expect(store.LinkRef("proj/el/strong", "proj/el/weak")).To(Succeed())
			got, err := store.ResolveRef("proj/el/weak", false)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(d))
		})

		It("lists refs oldest-mtime-first (LRU order)", func() {
			d, _ := store.AddObject([]byte("artifact"))
			Expect(store.SetRef("proj/el/first", d)).To(Succeed())
			Expect(store.SetRef("proj/el/second", d)).To(Succeed())
			refs, err := store.ListRefs("")
			Expect(err).NotTo(HaveOccurred())
			Expect(refs).To(HaveLen(2))
			Expect(refs).To(Equal([]string{"proj/el/first", "proj/el/second"}))
		})

		It("removes a ref and frees its object on Prune", func() {
			kept, _ := store.AddObject([]byte("kept"))
			gone, _ := store.AddObject([]byte("gone"))
			Expect(store.SetRef("proj/el/kept", kept)).To(Succeed())
			Expect(store.SetRef("proj/el/gone", gone)).To(Succeed())

			_, err := store.RemoveRef("proj/el/gone", false)
			Expect(err).NotTo(HaveOccurred())

			Expect(store.HasObject(kept)).To(BeTrue())
			Expect(store.HasObject(gone)).To(BeFalse())
		})

		It("reports cache size via CalculateCacheSize", func() {
			content := []byte("some bytes to size up")
			_, err := store.AddObject(content)
			Expect(err).NotTo(HaveOccurred())
			size, err := store.CalculateCacheSize()
			Expect(err).NotTo(HaveOccurred())
			Expect(size).To(BeNumerically(">=", int64(len(content))))
		})
	})
})
