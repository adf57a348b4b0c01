package domain

import "time"

const (
	DefaultConnectTimeout   = 30 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
	DefaultDiscoveryTimeout = 20 * time.Second

	DefaultCapabilityTTL        = 5 * time.Minute
	DefaultDiscoveryConcurrency = 4

	DefaultShutdownWait = 5 * time.Second

	DefaultJWKSCacheTTL    = 15 * time.Minute
	DefaultCallbackTimeout = 5 * time.Minute

	DefaultMetricsListenAddress = "127.0.0.1:9180"
)
