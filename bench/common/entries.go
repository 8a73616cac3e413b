package common

import (
	"fmt"

	"github.com/google/tink/go/subtle/random"

	"github.com/vaultsync-io/vaultsync/keystore"
)

// PreGenerateEntries creates all entry batches upfront so benchmarks measure
// store and sync cost without data generation time.
func PreGenerateEntries(numEntries, entrySize, batchSize int) [][]keystore.KeyEntry {
	if batchSize <= 0 {
		batchSize = numEntries
	}
	template := random.GetRandomBytes(uint32(entrySize))

	var (
		batches [][]keystore.KeyEntry
		batch   []keystore.KeyEntry
	)
	for i := 0; i < numEntries; i++ {
		batch = append(batch, keystore.KeyEntry{
			Name: fmt.Sprintf("bench-%d", i),
			Data: generatePayload(entrySize, template),
			Meta: map[string]string{"bench": "true"},
		})
		if len(batch) == batchSize {
			batches = append(batches, batch)
			batch = nil
		}
	}
	if len(batch) > 0 {
		batches = append(batches, batch)
	}
	return batches
}

// generatePayload copies the template and varies its first bytes.
func generatePayload(size int, template []byte) []byte {
	payload := make([]byte, size)
	copy(payload, template)
	if size > 8 {
		copy(payload, random.GetRandomBytes(8))
	}
	return payload
}

// TotalEntryCount returns the number of entries across all batches.
func TotalEntryCount(batches [][]keystore.KeyEntry) int {
	total := 0
	for _, batch := range batches {
		total += len(batch)
	}
	return total
}

// TotalByteSize returns the data bytes across all entries.
func TotalByteSize(batches [][]keystore.KeyEntry) int64 {
	var total int64
	for _, batch := range batches {
		for _, e := range batch {
			total += int64(len(e.Data))
		}
	}
	return total
}
