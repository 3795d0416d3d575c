// Package transport defines the Publisher contract shared by every delivery
// endpoint and the classification of publish failures.
//
// Adapters live in subpackages (twitter, telegram/adapter, dryrun) and return
// *Failure values so the dispatcher can log structured detail without knowing
// which endpoint produced it.
package transport
