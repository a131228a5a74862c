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

import "math"

const (
	// MaxSmallValueSize is the largest value that is stored inline in the
	// segment entry without compression.
	MaxSmallValueSize = 4 * 1024

	// MaxMediumValueSize is the largest value that is stored inside the
	// segment file at all. Values of this size are block-compressed. Anything
	// above it must be routed to a standalone blob file, never truncated or
	// rejected.
	MaxMediumValueSize = 16 * 1024 * 1024

	// MaxKeySize is the encoding limit for keys. Put rejects longer keys with
	// ErrKeyTooLarge before anything is written.
	MaxKeySize = math.MaxUint32

	// DefaultTargetFileSize caps segment files written on commit. Compaction
	// takes its own explicit target.
	DefaultTargetFileSize = 256 * 1024 * 1024

	// DefaultShardBits controls the number of lock-striped shards of a write
	// batch (2^DefaultShardBits).
	DefaultShardBits = 4

	// bloomFalsePositiveRate is the target rate for the per-segment filters.
	// False positives only cost an extra index probe, never a wrong result.
	bloomFalsePositiveRate = 0.001
)

const (
	segmentFileSuffix = ".sst"
	blobFileSuffix    = ".blob"
	metaFileName      = "meta"
)
