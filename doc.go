// Package archivist stores uploaded article archives by content hash and
// serves their contents.
//
// A [Service] owns every piece of shared state: the storage root, the cache
// index mapping content hashes to stored archives, the registry of uploaded
// file names, the active dataset and the progress counter. HTTP handlers
// and the CLI hold a *Service and never touch package level state.
//
// # Uploads
//
// [Service.Upload] streams a body to disk while hashing it. Identical
// content is stored once; uploading it again only makes the existing
// archive active:
//
//	svc, err := archivist.New("/var/lib/archivist")
//	if err != nil {
//	    return err
//	}
//	defer svc.Close(ctx)
//	out, err := svc.Upload(ctx, "wikipedia.zim", body)
//
// # Reading archives
//
// [Service.Article], [Service.Search] and [Service.Browse] open archives
// through a small cache of open handles and run on a bounded pool, so a
// slow archive never blocks request handling. Failures keep their kind:
// use errors.Is with [ErrNoActiveDataset], [ErrOpen], [ErrNotFound] or
// [ErrInvalidQuery].
//
// # Maintenance
//
// [Service.CleanCache] deletes every stored archive and resets the shared
// state as if the process had just started on an empty directory.
package archivist
