package pdu_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/wiretap/internal/pdu"
)

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := pdu.NewQueue()
	defer q.Close()

	const n = 1000
	for i := 0; i < n; i++ {
		q.Add(pdu.New(pdu.KindTCP, pdu.Server, []byte(strconv.Itoa(i))))
	}
	require.Equal(t, n, q.Len())

	ctx := context.Background()
	for i := 0; i < n; i++ {
		p, ok := q.Take(ctx)
		require.True(t, ok)
		require.Equal(t, strconv.Itoa(i), string(p.Bytes()))
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueFIFOConcurrentProducer(t *testing.T) {
	t.Parallel()

	q := pdu.NewQueue()
	defer q.Close()

	const n = 5000
	go func() {
		for i := 0; i < n; i++ {
			q.Add(pdu.New(pdu.KindTCP, pdu.Server, []byte(strconv.Itoa(i))))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		p, ok := q.Take(ctx)
		require.True(t, ok)
		require.Equal(t, strconv.Itoa(i), string(p.Bytes()))
	}
}

func TestQueueTakeBlocksUntilAdd(t *testing.T) {
	t.Parallel()

	q := pdu.NewQueue()
	defer q.Close()

	got := make(chan *pdu.PDU, 1)
	go func() {
		p, _ := q.Take(context.Background())
		got <- p
	}()

	select {
	case <-got:
		t.Fatal("take returned before add")
	case <-time.After(20 * time.Millisecond):
	}

	q.Add(pdu.New(pdu.KindTCP, pdu.Client, []byte("x")))
	select {
	case p := <-got:
		require.NotNil(t, p)
		assert.Equal(t, "x", string(p.Bytes()))
	case <-time.After(2 * time.Second):
		t.Fatal("take did not return")
	}
}

func TestQueueCloseWakesTakers(t *testing.T) {
	t.Parallel()

	q := pdu.NewQueue()
	q.Add(pdu.New(pdu.KindTCP, pdu.Client, []byte("stale")))
	q.Close()
	q.Close()

	p, ok := q.Take(context.Background())
	assert.False(t, ok)
	assert.Nil(t, p)

	q2 := pdu.NewQueue()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q2.Take(context.Background())
			assert.False(t, ok)
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q2.Close()
	wg.Wait()
}

func TestQueueTakeContext(t *testing.T) {
	t.Parallel()

	q := pdu.NewQueue()
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Take(ctx)
	assert.False(t, ok)
}
