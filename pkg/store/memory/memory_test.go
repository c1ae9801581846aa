package memory_test

import (
	"testing"

	"github.com/ravi-parthasarathy/reviewflow/pkg/store"
	"github.com/ravi-parthasarathy/reviewflow/pkg/store/memory"
	"github.com/ravi-parthasarathy/reviewflow/pkg/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return memory.New()
	})
}
