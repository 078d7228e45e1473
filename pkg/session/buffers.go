// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"io"
	"sync"
)

// BufferSize is the size of each relay buffer.
const BufferSize = 32 * 1024

var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, BufferSize)
		return &buf
	},
}

// copyBuffer copies src to dst with a pooled buffer.
func copyBuffer(dst io.Writer, src io.Reader) (int64, error) {
	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)

	// Hide ReaderFrom/WriterTo so the pooled buffer and the wrappers
	// around dst are always used.
	return io.CopyBuffer(writerOnly{dst}, readerOnly{src}, *bufPtr)
}

type readerOnly struct{ io.Reader }

type writerOnly struct{ io.Writer }
