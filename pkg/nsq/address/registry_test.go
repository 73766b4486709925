package address

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegistryGet(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	r := NewRegistry()
	addrs := r.Get("unknown")
	re.NotNil(addrs)
	re.Empty(addrs)
	re.Equal([]string{"unknown"}, r.Topics())

	r.Add("topic", New("b", 1))
	got := r.Get("topic")
	got[0] = New("mutated", 1)
	re.Equal([]Address{New("b", 1)}, r.Get("topic"))
}

func TestRegistryAddIdempotent(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	r := NewRegistry()
	re.True(r.Add("topic", New("b", 2)))
	re.True(r.Add("topic", New("a", 3)))
	re.True(r.Add("topic", New("b", 1)))
	re.False(r.Add("topic", New("b", 2)))

	re.Equal([]Address{New("a", 3), New("b", 1), New("b", 2)}, r.Get("topic"))
}

func TestRegistryRemove(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	r := NewRegistry()
	re.False(r.Remove("topic", New("a", 1)))

	r.Add("topic", New("a", 1))
	r.Add("topic", New("a", 2))
	re.True(r.Remove("topic", New("a", 1)))
	re.False(r.Remove("topic", New("a", 1)))
	re.Equal([]Address{New("a", 2)}, r.Get("topic"))
}

func TestRegistryReset(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	r := NewRegistry()
	r.Add("topic", New("a", 1))
	r.Add("topic", New("a", 2))

	added, removed := r.Reset("topic", []Address{New("a", 3), New("a", 2), New("a", 3)})
	re.Equal([]Address{New("a", 3)}, added)
	re.Equal([]Address{New("a", 1)}, removed)
	re.Equal([]Address{New("a", 2), New("a", 3)}, r.Get("topic"))
}

func TestRegistryRemoveAll(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	r := NewRegistry()
	gone := New("10.0.0.1", 4150)
	for i := 0; i < 8; i++ {
		topic := fmt.Sprintf("topic-%d", i)
		r.Add(topic, New("10.0.0.2", 4150))
		if i%2 == 0 {
			r.Add(topic, gone)
		}
	}

	topics := r.RemoveAll(gone)
	re.Equal([]string{"topic-0", "topic-2", "topic-4", "topic-6"}, topics)
	for _, topic := range r.Topics() {
		re.NotContains(r.Get(topic), gone)
		re.Len(r.Get(topic), 1)
	}

	r.Clear()
	re.Empty(r.Topics())
}

func TestRegistryConcurrent(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			topic := fmt.Sprintf("topic-%d", i%4)
			for j := 0; j < 100; j++ {
				r.Add(topic, New("host", j))
				_ = r.Get(topic)
				if j%3 == 0 {
					r.Remove(topic, New("host", j))
				}
			}
		}(i)
	}
	wg.Wait()

	for _, topic := range r.Topics() {
		addrs := r.Get(topic)
		for i := 1; i < len(addrs); i++ {
			re.True(addrs[i-1].Less(addrs[i]))
		}
	}
}
