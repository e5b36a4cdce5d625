package pool

// Partition splits items into consecutive chunks of size, the last possibly
// shorter. Chunk i holds items[i*size : min((i+1)*size, len(items))].
// It returns nil for empty input and panics if size is not positive.
func Partition[T any](items []T, size int) [][]T {
	if size <= 0 {
		panic("pool: partition size must be positive")
	}
	if len(items) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}

// defaultChunkSize spreads n items evenly over workers: ceil(n/workers).
func defaultChunkSize(n, workers int) int {
	if workers < 1 {
		workers = 1
	}
	size := (n + workers - 1) / workers
	if size < 1 {
		size = 1
	}
	return size
}
