package util

// Batch partitions elements into consecutive slices of at most batchSize,
// preserving order. The returned batches alias the input slice; no elements
// are copied. batchSize must be positive.
func Batch[T any](elements []T, batchSize int) [][]T {
	total := len(elements)

	n := total / batchSize
	lastBatchSize := total % batchSize
	totalBatches := n
	if lastBatchSize != 0 {
		totalBatches++
	}

	batches := make([][]T, totalBatches)

	for i := 0; i < n; i++ {
		batches[i] = elements[i*batchSize : (i+1)*batchSize]
	}

	if lastBatchSize != 0 {
		batches[n] = elements[n*batchSize : n*batchSize+lastBatchSize]
	}

	return batches
}
