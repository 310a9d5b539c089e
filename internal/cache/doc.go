/*
Package cache is the on-disk write-back cache layer sitting between the
filesystem adapter and the durable store: every Object's content is
materialized as one file under the cache directory, filled whole or
chunk by chunk, fetched on-demand by the sync engine's pull side and flushed to the remote by
its push side.

# Layout

Each object gets one file at <cache dir>/<objectID>, divided into
fixed-size chunks of the chunkSize passed to New. A store.CacheRecord per
object tracks which chunks are present (EnsurePlaceholder, WriteChunk,
ChunkPresent) so a read for a byte range that spans missing chunks can
report exactly which indexes the caller must wait on (ErrMissingChunks)
rather than blocking on the whole file.

# Reads and writes

ReadAt serves directly from the local file once every chunk the range
touches is present; WriteAt and WriteWhole write the local file and
update only its CacheRecord (cached size, presence). They do not touch
the Object row: the filesystem adapter marks the object dirty and
enqueues the upload or content update through internal/model when a
file handle is flushed. Truncate adjusts both the on-disk file and the
cached size.

# Pinning and eviction

Pin marks an object to be excluded from any future eviction sweep (the
pinned-file priority surface); Evict truncates a non-pinned, closed,
non-dirty object's file to zero, clears its chunk set and flips its
CacheRecord to missing, reclaiming disk space while keeping both the
record and the object's entry in the durable store. Purge removes the
file and the record.

Open and Close count the open FileHandles of an object in its
CacheRecord, the count Evict consults before reclaiming anything; they
do not open, hold or share a file descriptor.
*/
package cache
