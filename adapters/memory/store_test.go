package memory

import (
	"testing"

	"variantlab/internal/testkit"
	"variantlab/ports"
)

func TestStoreContract(t *testing.T) {
	testkit.RunStoreContract(t, func(t *testing.T) ports.Store {
		return NewStore()
	})
}
