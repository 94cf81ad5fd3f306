// Object pools for reducing GC pressure in hot paths
//
// The code parser and the file-capture writer run once per line of a
// print job, so their scratch allocations are pooled.
//
// Copyright (C) 2026  reprapd authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pool

import (
	"bytes"
	"sync"
)

// Buffer pool - for rendering codes and capture writes
var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// GetBuffer gets an empty buffer from the pool
func GetBuffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

// PutBuffer returns a buffer to the pool after resetting it.
// Oversized buffers are dropped so a single long line does not pin
// memory.
func PutBuffer(b *bytes.Buffer) {
	if b == nil || b.Cap() > 64*1024 {
		return
	}
	b.Reset()
	bufferPool.Put(b)
}

// Field-scratch pool - for tokenizing code lines
var fieldsPool = sync.Pool{
	New: func() any {
		s := make([]string, 0, 16)
		return &s
	},
}

// GetFields gets an empty string slice from the pool
func GetFields() *[]string {
	return fieldsPool.Get().(*[]string)
}

// PutFields returns a string slice to the pool after clearing it
func PutFields(s *[]string) {
	if s == nil {
		return
	}
	*s = (*s)[:0]
	fieldsPool.Put(s)
}
