package guestsys

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestGuestsys(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Guestsys Suite")
}
