// Package metrics provides Prometheus metric collectors for aoitrack components.
package metrics

// Histogram bucket constants shared across metric definitions.
const (
	// BucketStart1ms is the starting bucket for millisecond-scale operations.
	BucketStart1ms = 0.001
	// BucketStart10ms is the starting bucket for query-scale operations.
	BucketStart10ms = 0.01
	// BucketStart100ms is the starting bucket for file and backup operations.
	BucketStart100ms = 0.1
	// BucketStart100B is the starting bucket for payload sizes.
	BucketStart100B = 100.0
	// BucketFactor2 doubles each successive bucket.
	BucketFactor2 = 2.0
	// BucketFactor10 grows each successive bucket tenfold.
	BucketFactor10 = 10.0
	// BucketCount6 covers 100B to ~100MB with BucketFactor10.
	BucketCount6 = 6
	// BucketCount10 covers 1ms to ~1s with BucketFactor2.
	BucketCount10 = 10
	// BucketCount12 covers 1ms to ~4s with BucketFactor2.
	BucketCount12 = 12
	// BucketCount15 covers 1ms to ~32s with BucketFactor2.
	BucketCount15 = 15
)
