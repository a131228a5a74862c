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

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"
)

// Blob files hold a single oversized value each, s2-compressed, named by the
// sequence number that also orders segment files. They are written exactly
// once (by Put routing an oversized value out of the in-memory batch) and are
// only ever deleted by compaction once no segment entry references them.

func segmentPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%08d%s", seq, segmentFileSuffix))
}

func blobPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%08d%s", seq, blobFileSuffix))
}

func seqFromFileName(path string) uint64 {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	seq, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

func writeBlobFile(dir string, seq uint64, value []byte) error {
	f, err := os.Create(blobPath(dir, seq))
	if err != nil {
		return err
	}

	w := s2.NewWriter(f)
	if _, err := w.Write(value); err != nil {
		f.Close()
		return errors.Wrap(err, "write blob")
	}
	if err := w.Close(); err != nil {
		f.Close()
		return errors.Wrap(err, "finalize blob stream")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "fsync blob")
	}
	return f.Close()
}

func readBlobFile(dir string, seq uint64) ([]byte, error) {
	f, err := os.Open(blobPath(dir, seq))
	if err != nil {
		return nil, errors.Wrapf(err, "open blob %d", seq)
	}
	defer f.Close()

	out, err := io.ReadAll(s2.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupted, "decompress blob %d: %s", seq, err)
	}
	return out, nil
}
