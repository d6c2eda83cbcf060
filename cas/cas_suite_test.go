package cas_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestCAS(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "cas suite")
}
