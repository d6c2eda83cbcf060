package vdir_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestVdir(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "vdir suite")
}
