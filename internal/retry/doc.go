// Package retry tracks per-key failure backoff, classifies send errors and
// escalates serious ones to an ops channel without alert storms.
//
// Keys are scoped by owner and platform; inside a scope each error signature
// keeps its own failure count. A scope is eligible again only once every
// signature inside it is past its backoff.
package retry
