//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package sstkv

import "github.com/pkg/errors"

var (
	// ErrKeyTooLarge is returned by Put when a key exceeds MaxKeySize. The
	// entry is rejected as a whole, nothing is written.
	ErrKeyTooLarge = errors.New("key exceeds maximum key size")

	// ErrCorrupted indicates malformed on-disk content, as opposed to a plain
	// I/O failure. A corrupt meta file is recoverable (treated as an empty
	// store), a corrupt referenced segment is not.
	ErrCorrupted = errors.New("corrupted file content")

	// ErrClosed is returned for any operation on a store after Shutdown.
	ErrClosed = errors.New("store is shut down")

	// ErrBatchCommitted is returned when a write batch is used after it was
	// handed to CommitWriteBatch.
	ErrBatchCommitted = errors.New("write batch already committed")
)
