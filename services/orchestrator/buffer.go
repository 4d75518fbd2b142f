// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import "strings"

// tokenBufferCapacity is the number of tokens buffered before a forced
// flush.
const tokenBufferCapacity = 3

// flushChars triggers an early flush when any is present in the token just
// appended, so chunks land on natural word/sentence boundaries rather than
// an arbitrary count.
const flushChars = " \n\t.!?;:"

// TokenBuffer accumulates streamed tokens for one connection and decides
// when to flush them as a single response_chunk.
type TokenBuffer struct {
	b     strings.Builder
	count int
}

func NewTokenBuffer() *TokenBuffer {
	return &TokenBuffer{}
}

// Push appends a token and reports whether the buffer should flush now,
// along with the text to flush (empty if not flushing yet).
func (t *TokenBuffer) Push(token string) (chunk string, shouldFlush bool) {
	t.b.WriteString(token)
	t.count++
	if t.count >= tokenBufferCapacity || strings.ContainsAny(token, flushChars) {
		return t.Flush(), true
	}
	return "", false
}

// Flush returns and clears any buffered text, whether or not a flush
// condition was met. Used to drain the residual buffer at stream end.
func (t *TokenBuffer) Flush() string {
	out := t.b.String()
	t.b.Reset()
	t.count = 0
	return out
}
