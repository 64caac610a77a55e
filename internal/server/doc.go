// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the site registry that maps Host headers onto configured booking sites.
// It also owns the upstream HTTP client and the Fetcher that lets lifecycle
// managers reach each site's upstream while reasoning about public URLs.
package server
