package vdir_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/buildstream-go/bst-core/cas"
	"github.com/buildstream-go/bst-core/vdir"
)

var _ = Describe("Directory", func() {
	var store *cas.Store
	var tempDirs []string

	// tempDir makes a fresh scratch directory that AfterEach removes.
	tempDir := func() string {
		dir, err := os.MkdirTemp("", "vdir-test-")
		Expect(err).NotTo(HaveOccurred())
		tempDirs = append(tempDirs, dir)
		return dir
	}

	BeforeEach(func() {
		var err error
		store, err = cas.Open(tempDir())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		for _, dir := range tempDirs {
			os.RemoveAll(dir)
		}
		tempDirs = nil
	})

	Describe("rehash-on-write", func() {
		It("changes the root digest after adding a file", func() {
			root := vdir.NewRoot(store)
			empty, err := root.Digest()
			Expect(err).NotTo(HaveOccurred())

			digest, err := store.AddObject([]byte("contents"))
			Expect(err).NotTo(HaveOccurred())
			Expect(root.AddFile("a.txt", digest, false)).To(Succeed())

			after, err := root.Digest()
			Expect(err).NotTo(HaveOccurred())
			Expect(after).NotTo(Equal(empty))
		})

		It("propagates a nested write's digest up to the root", func() {
			root := vdir.NewRoot(store)
			sub, err := root.CreateDirectory("sub")
			Expect(err).NotTo(HaveOccurred())
			rootBefore, err := root.Digest()
			Expect(err).NotTo(HaveOccurred())

			fileDigest, _ := store.AddObject([]byte("nested"))
			Expect(sub.AddFile("nested.txt", fileDigest, false)).To(Succeed())

			rootAfter, err := root.Digest()
			Expect(err).NotTo(HaveOccurred())
			Expect(rootAfter).NotTo(Equal(rootBefore))
		})
	})

	Describe("Descend", func() {
		It("resolves nested subdirectories by path", func() {
			root := vdir.NewRoot(store)
			_, err := root.CreateDirectory("a")
			Expect(err).NotTo(HaveOccurred())
			a, _ := root.Descend("a")
			_, err = a.CreateDirectory("b")
			Expect(err).NotTo(HaveOccurred())

			got, err := root.Descend("a/b")
			Expect(err).NotTo(HaveOccurred())
			Expect(got).NotTo(BeNil())
		})

		It("treats '..' above the root as the root (POSIX-like)", func() {
			root := vdir.NewRoot(store)
			x, err := root.CreateDirectory("x")
			Expect(err).NotTo(HaveOccurred())
			got, err := root.Descend("../../x")
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(BeIdenticalTo(x))
		})

		It("errors resolving an unresolved absolute symlink by default", func() {
			root := vdir.NewRoot(store)
			Expect(root.AddSymlink("link", "/etc/passwd")).To(Succeed())
			_, err := root.Descend("link/nope")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("host filesystem import/export", func() {
		It("imports a host tree and exports it back byte-identical", func() {
			hostRoot := tempDir()
			Expect(os.MkdirAll(filepath.Join(hostRoot, "sub"), 0o755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(hostRoot, "top.txt"), []byte("top"), 0o644)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(hostRoot, "sub", "nested.txt"), []byte("nested"), 0o755)).To(Succeed())

			root := vdir.NewRoot(store)
			result, err := root.ImportFiles(hostRoot)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Written).To(ContainElement(ContainSubstring("top.txt")))

			exportRoot := tempDir()
			Expect(root.ExportFiles(exportRoot)).To(Succeed())

			got, err := os.ReadFile(filepath.Join(exportRoot, "sub", "nested.txt"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(got)).To(Equal("nested"))

			fi, err := os.Stat(filepath.Join(exportRoot, "sub", "nested.txt"))
			Expect(err).NotTo(HaveOccurred())
			Expect(fi.Mode() & 0o111).NotTo(BeZero())
		})

		It("imports the same host tree to the same root digest every time", func() {
			hostRoot := tempDir()
			Expect(os.MkdirAll(filepath.Join(hostRoot, "sub"), 0o755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(hostRoot, "a.txt"), []byte("a"), 0o644)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(hostRoot, "sub", "b.txt"), []byte("b"), 0o644)).To(Succeed())
			Expect(os.Symlink("a.txt", filepath.Join(hostRoot, "link"))).To(Succeed())

			first := vdir.NewRoot(store)
			_, err := first.ImportFiles(hostRoot)
			Expect(err).NotTo(HaveOccurred())
			firstDigest, err := first.Digest()
			Expect(err).NotTo(HaveOccurred())

			second := vdir.NewRoot(store)
			_, err = second.ImportFiles(hostRoot)
			Expect(err).NotTo(HaveOccurred())
			secondDigest, err := second.Digest()
			Expect(err).NotTo(HaveOccurred())

			Expect(secondDigest).To(Equal(firstDigest))
		})

		It("produces the same digest whether imported from the host FS or copied CAS-to-CAS", func() {
			hostRoot := tempDir()
			Expect(os.WriteFile(filepath.Join(hostRoot, "f.txt"), []byte("payload"), 0o644)).To(Succeed())

			imported := vdir.NewRoot(store)
			_, err := imported.ImportFiles(hostRoot)
			Expect(err).NotTo(HaveOccurred())
			importedDigest, err := imported.Digest()
			Expect(err).NotTo(HaveOccurred())

			copied := vdir.NewRoot(store)
			Expect(copied.ImportFromDirectory(imported)).To(Succeed())
			copiedDigest, err := copied.Digest()
			Expect(err).NotTo(HaveOccurred())

			Expect(copiedDigest).To(Equal(importedDigest))
		})
	})

	Describe("overwrite rules", func() {
		It("ignores a file import over a non-empty directory", func() {
			root := vdir.NewRoot(store)
			sub, err := root.CreateDirectory("sub")
			Expect(err).NotTo(HaveOccurred())
			nested, _ := store.AddObject([]byte("x"))
			Expect(sub.AddFile("keep.txt", nested, false)).To(Succeed())

			hostRoot := tempDir()
			Expect(os.WriteFile(filepath.Join(hostRoot, "sub"), []byte("should not overwrite"), 0o644)).To(Succeed())

			result, err := root.ImportFiles(hostRoot)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Ignored).To(ContainElement(ContainSubstring("sub")))
		})
	})
})
