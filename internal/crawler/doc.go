// Package crawler implements the paginated harvest engine: the shared entity
// types, the dedup-and-paginate loop with reply thread expansion, and the
// Harvester that binds those loops to the mobile site's post, comment and
// profile endpoints.
package crawler
