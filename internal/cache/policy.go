package cache

// Marker is the response header reporting whether a cache-eligible request
// was served from the cache. It is absent on requests the cache never
// considered.
const (
	Marker     = "X-Cache"
	MarkerHit  = "HIT"
	MarkerMiss = "MISS"
)

// Key builds the cache key for a request: the path plus the raw query
// string, exactly as the client sent it. No normalization is applied, so
// the same resource requested with reordered query parameters occupies a
// separate slot.
func Key(path, query []byte) string {
	if len(query) == 0 {
		return string(path)
	}
	return string(path) + "?" + string(query)
}

// EligibleRequest reports whether a request may consult the cache. Only GET
// requests on routes flagged cacheable qualify.
func EligibleRequest(method []byte, routeCacheable bool) bool {
	return routeCacheable && string(method) == "GET"
}

// StorableStatus reports whether an upstream response may be written to the
// cache. Only success-range statuses are kept; upstream errors always pass
// through uncached.
func StorableStatus(status int) bool {
	return status >= 200 && status < 300
}
