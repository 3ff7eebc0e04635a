//go:build !xformdebug

package xform

const boundsCheck = false
