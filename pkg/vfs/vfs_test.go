package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatOptionsBool(t *testing.T) {
	opts := &FormatOptions{AdditionalOptions: map[string]string{
		"has_journal":   "true",
		"use_extents":   "0",
		"use_checksums": "yes",
		"garbage":       "maybe",
	}}

	assert.True(t, opts.Bool(OptHasJournal, false))
	assert.False(t, opts.Bool(OptUseExtents, true))
	assert.True(t, opts.Bool(OptUseChecksums, false))
	assert.True(t, opts.Bool("garbage", true), "unparseable falls back to the default")
	assert.False(t, opts.Bool("absent", false))
}

func TestCancelToken(t *testing.T) {
	var nilTok CancelToken
	assert.False(t, nilTok.Cancelled())

	ch := make(chan struct{})
	tok := CancelToken(ch)
	assert.False(t, tok.Cancelled())
	close(ch)
	assert.True(t, tok.Cancelled())
}
