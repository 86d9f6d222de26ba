// Package storage is the destination side of a download: a name-addressed
// Directory that hands out random-access Store handles.
//
// Directory is a single capability-set interface. BillyDirectory implements
// it over any go-billy filesystem, so the same engine code writes to the
// local disk (osfs) or to memory (memfs). Name matching for FindFile and
// CreateAutoRenamed is case-insensitive, because several of the storage trees
// this runs against are.
package storage
