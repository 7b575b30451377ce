// Package store defines the persistence contracts for harvested entities and
// run bookkeeping. Implementations live under internal/storage; this package
// must not import database drivers or concrete clients.
package store
