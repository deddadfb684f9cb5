/*
Package cache provides a unified caching interface with multiple backend support.

Supported backends:
  - Memory: In-memory cache for testing
  - Redis: Distributed cache
*/
package cache
