package store_test

import (
	"testing"

	"cronkeeper/internal/store"
	"cronkeeper/internal/store/storetest"
)

func TestMemoryContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, opts store.Options) store.Store {
		s := store.NewMemory(opts)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
