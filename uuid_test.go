package ordermill_test

import (
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/ordermill"
)

func testUniqueness(t *testing.T, genFunc func() string) {
	producers := 100
	idsPerProducer := 10000

	if testing.Short() {
		producers = 10
		idsPerProducer = 1000
	}

	idsCount := producers * idsPerProducer

	ids := make(chan string, idsCount)
	allGenerated := sync.WaitGroup{}
	allGenerated.Add(producers)

	for i := 0; i < producers; i++ {
		go func() {
			defer allGenerated.Done()

			for j := 0; j < idsPerProducer; j++ {
				ids <- genFunc()
			}
		}()
	}

	uniqueIDs := make(map[string]struct{}, idsCount)

	allGenerated.Wait()
	close(ids)

	for id := range ids {
		if _, ok := uniqueIDs[id]; ok {
			t.Error("duplicated id:", id)
		}
		uniqueIDs[id] = struct{}{}
	}
}

func TestNewUUID_uniqueness(t *testing.T) {
	testUniqueness(t, ordermill.NewUUID)
}

func TestNewShortUUID_uniqueness(t *testing.T) {
	testUniqueness(t, ordermill.NewShortUUID)
}

func TestNewULID_uniqueness(t *testing.T) {
	testUniqueness(t, ordermill.NewULID)
}
