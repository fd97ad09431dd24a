package cache

import "github.com/prometheus/client_golang/prometheus"

// Interface defines the public API of the block cache shared by store file
// readers.
type Interface interface {
	Put(key string, value interface{})
	Get(key string) (value interface{}, ok bool)
	Clear()
	GetHitRate() float64
	SetMetrics(hits, misses prometheus.Counter)
	Len() int
}
