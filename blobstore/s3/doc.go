// Package s3 provides an S3 implementation of blobstore.Store.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("checkpoints/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	err = differ.Checkpoint(ctx, store, "positions")
//
// # Features
//
//   - Range reads for partial fetches
//   - Multipart uploads with CRC32C checksums via the transfer manager
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
