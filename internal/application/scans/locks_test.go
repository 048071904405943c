package scans

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
)

func TestKeyedMutexSerialisesPerKeyAndCleansUp(t *testing.T) {
	r := require.New(t)
	var k keyedMutex

	counter := map[string]*int{"a": new(int), "b": new(int)}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, id := range []string{"a", "b"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				unlock := k.lock(domain.ScanID(id))
				*counter[id]++
				unlock()
			}(id)
		}
	}
	wg.Wait()

	r.Equal(50, *counter["a"])
	r.Equal(50, *counter["b"])
	r.Zero(k.size())
}
