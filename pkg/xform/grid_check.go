//go:build xformdebug

package xform

const boundsCheck = true
