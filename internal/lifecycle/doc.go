// Package lifecycle implements the versioned cache lifecycle of one tenant site.
//
// A Manager owns two partitions named after its cache version
// ("<version>-static" and "<version>-dynamic"). Install fills the static
// partition from the precache manifest, Activate removes every other partition
// that carries an application prefix and then claims the site, and HandleFetch
// answers same-origin GET requests from the cache with the network as
// fallback. Requests that are cross-origin, not GET, or under the API prefix
// are never touched and come back as ErrPassthrough.
//
// The package only depends on cache.Storage, a Fetcher and a few small
// callback interfaces, so the hosting runtime decides how events are
// delivered and how the network is reached.
package lifecycle
