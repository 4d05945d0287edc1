// Package storage opens the SQLite database shared by the queue and
// conversation stores and brings its schema up to date from the
// embedded, numbered migrations.
//
// It also keeps the notifier's dedup state so throttled alerts survive a
// restart.
package storage
